package kiln

import (
	"context"
	"path/filepath"
	"sort"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"

	"github.com/gitpod-io/kiln/pkg/doublestar"
)

// RecipeSources returns the absolute paths of all files the recipe reads besides itself
func RecipeSources(st *RecipeState) []string {
	idx := make(map[string]struct{})
	add := func(src string) {
		if src == "" {
			return
		}
		if !filepath.IsAbs(src) {
			src = filepath.Join(st.Origin, src)
		}
		idx[filepath.Clean(src)] = struct{}{}
	}
	for _, p := range st.Profiles {
		for _, f := range p.Files {
			add(f.Source)
		}
		for _, f := range p.Skeleton {
			add(f.Source)
		}
		for _, t := range p.Templates {
			add(t.Source)
		}
	}

	res := make([]string, 0, len(idx))
	for fn := range idx {
		res = append(res, fn)
	}
	sort.Strings(res)
	return res
}

// WatchRecipe watches the recipe file and its sources until the context is done
func WatchRecipe(ctx context.Context, files []string) (changed <-chan string, errs <-chan error) {
	var (
		chng    = make(chan string)
		errchan = make(chan error, 1)
	)
	changed = chng
	errs = errchan

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		errchan <- err
		return
	}

	// editors often replace files, hence we watch folders and match the file names
	folders := make(map[string][]string)
	for _, fn := range files {
		abs, err := filepath.Abs(fn)
		if err != nil {
			errchan <- err
			watcher.Close()
			return
		}
		dir := filepath.Dir(abs)
		folders[dir] = append(folders[dir], filepath.Base(abs))
	}
	for f := range folders {
		log.WithField("path", f).Debug("adding watcher")
		if err := watcher.Add(f); err != nil {
			errchan <- err
			watcher.Close()
			return
		}
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case evt, ok := <-watcher.Events:
				if !ok {
					return
				}
				if evt.Op == fsnotify.Chmod {
					continue
				}
				if !matchesAny(folders[filepath.Dir(evt.Name)], filepath.Base(evt.Name)) {
					log.WithField("path", evt.Name).Debug("dismissed file event that did not match recipe sources")
					continue
				}

				log.WithField("path", evt.Name).Debug("recipe source changed")
				select {
				case chng <- evt.Name:
				case <-ctx.Done():
					return
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				select {
				case errchan <- err:
				default:
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	return
}

func matchesAny(patterns []string, name string) bool {
	for _, p := range patterns {
		matches, _, _ := doublestar.Match(p, name)
		if matches {
			return true
		}
	}
	return false
}
