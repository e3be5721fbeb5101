package kiln

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/gookit/color"
	"github.com/segmentio/textio"
)

// ProfileStatus is the state of a profile when a bake starts
type ProfileStatus string

const (
	// ProfileCached means the image of the profile will be restored from the build cache
	ProfileCached ProfileStatus = "cached"
	// ProfileBuild means the image of the profile has to be built
	ProfileBuild ProfileStatus = "build"
)

// Reporter provides feedback about bake progress to the user.
//
// All functions are called while the bake runs. Blocking in them blocks the bake.
type Reporter interface {
	// BakeStarted is called once the build cache was consulted for every profile
	BakeStarted(status map[string]ProfileStatus)

	// BakeFinished is called when the bake has finished
	BakeFinished(err error)

	// ProfileBuildStarted is called when the image builder starts on a profile
	ProfileBuildStarted(profile string)

	// ProfileBuildLog is called whenever the image builder produced output
	ProfileBuildLog(profile string, isErr bool, buf []byte)

	// ProfileBuildFinished is called when the image of a profile is available,
	// either built or restored from cache. If err is non-nil the build failed.
	ProfileBuildFinished(profile string, err error)
}

// ConsoleReporter reports bake progress by printing to stdout
type ConsoleReporter struct {
	out    io.Writer
	writer map[string]io.Writer
	times  map[string]time.Time
	mu     sync.RWMutex

	now   func() time.Time
	plain bool
}

// exclusiveWriter serializes writes of concurrent builds
type exclusiveWriter struct {
	O  io.Writer
	mu sync.Mutex
}

func (w *exclusiveWriter) Write(p []byte) (n int, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.O.Write(p)
}

// NewConsoleReporter produces a reporter printing to stdout
func NewConsoleReporter() *ConsoleReporter {
	return NewConsoleReporterTo(os.Stdout)
}

// NewConsoleReporterTo produces a reporter printing to out
func NewConsoleReporterTo(out io.Writer) *ConsoleReporter {
	return &ConsoleReporter{
		out:    &exclusiveWriter{O: out},
		writer: make(map[string]io.Writer),
		times:  make(map[string]time.Time),
		now:    time.Now,
	}
}

// DisableColors makes the reporter print without ANSI color codes regardless of the terminal
func (r *ConsoleReporter) DisableColors() *ConsoleReporter {
	r.plain = true
	return r
}

// paint returns s with its color codes removed if colors are disabled
func (r *ConsoleReporter) paint(s string) string {
	if r.plain {
		return color.ClearCode(s)
	}
	return s
}

func (r *ConsoleReporter) getWriter(profile string) io.Writer {
	r.mu.RLock()
	res, ok := r.writer[profile]
	r.mu.RUnlock()
	if ok {
		return res
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	res, ok = r.writer[profile]
	if ok {
		return res
	}
	res = textio.NewPrefixWriter(r.out, r.paint(getRunPrefix(profile)))
	r.writer[profile] = res
	return res
}

// BakeStarted prints which profiles are built and which are cached
func (r *ConsoleReporter) BakeStarted(status map[string]ProfileStatus) {
	lines := make([]string, 0, len(status))
	for profile, s := range status {
		if s == ProfileCached {
			lines = append(lines, fmt.Sprintf("%s\t%s\n", r.paint(color.Green.Sprint("cached")), profile))
		} else {
			lines = append(lines, fmt.Sprintf("%s\t%s\n", r.paint(color.Yellow.Sprint("build")), profile))
		}
	}
	sort.Strings(lines)
	tw := tabwriter.NewWriter(r.out, 0, 2, 2, ' ', 0)
	fmt.Fprintln(tw, strings.Join(lines, ""))
	tw.Flush()
}

// BakeFinished prints the outcome of the bake
func (r *ConsoleReporter) BakeFinished(err error) {
	if err != nil {
		io.WriteString(r.out, r.paint(color.Sprintf("<red>bake failed</>\n<white>Reason:</> %s\n", err)))
		return
	}
	io.WriteString(r.out, r.paint(color.Sprint("\n<green>bake succeeded</>\n")))
}

// ProfileBuildStarted prints the start of a profile build
func (r *ConsoleReporter) ProfileBuildStarted(profile string) {
	out := r.getWriter(profile)

	r.mu.Lock()
	r.times[profile] = r.now()
	r.mu.Unlock()

	io.WriteString(out, r.paint(color.Sprint("<fg=yellow>build started</>\n")))
}

// ProfileBuildLog prints builder output prefixed with the profile name
func (r *ConsoleReporter) ProfileBuildLog(profile string, isErr bool, buf []byte) {
	out := r.getWriter(profile)
	out.Write(buf)
}

// ProfileBuildFinished prints the outcome of a profile build
func (r *ConsoleReporter) ProfileBuildFinished(profile string, err error) {
	out := r.getWriter(profile)

	r.mu.Lock()
	start, ok := r.times[profile]
	delete(r.writer, profile)
	delete(r.times, profile)
	r.mu.Unlock()

	var dur time.Duration
	if ok {
		dur = r.now().Sub(start)
	}
	msg := color.Sprintf("<green>image ready</> <gray>(%.2fs)</>\n", dur.Seconds())
	if err != nil {
		msg = color.Sprintf("<red>image build failed</>\n<white>Reason:</> %s\n", err)
	}
	io.WriteString(out, r.paint(msg))
	if f, ok := out.(interface{ Flush() error }); ok {
		f.Flush()
	}
}

func getRunPrefix(profile string) string {
	return color.Gray.Render(fmt.Sprintf("[%s] ", profile))
}

// NoopReporter ignores all progress
type NoopReporter struct{}

var _ Reporter = NoopReporter{}

func (NoopReporter) BakeStarted(map[string]ProfileStatus) {}
func (NoopReporter) BakeFinished(error) {}
func (NoopReporter) ProfileBuildStarted(string) {}
func (NoopReporter) ProfileBuildLog(string, bool, []byte) {}
func (NoopReporter) ProfileBuildFinished(string, error) {}

// reporterWriter turns builder output into ProfileBuildLog calls
type reporterWriter struct {
	r       Reporter
	profile string
	isErr   bool
}

func (w *reporterWriter) Write(p []byte) (int, error) {
	buf := make([]byte, len(p))
	copy(buf, p)
	w.r.ProfileBuildLog(w.profile, w.isErr, buf)
	return len(p), nil
}
