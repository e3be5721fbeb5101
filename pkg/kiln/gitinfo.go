package kiln

import (
	"errors"
	"path/filepath"
	"sort"

	"github.com/go-git/go-git/v5"
	log "github.com/sirupsen/logrus"
	"golang.org/x/xerrors"
)

// GitInfo describes the git working copy a recipe lives in
type GitInfo struct {
	// WorkingCopyLoc is the absolute path of the working copy
	WorkingCopyLoc string
	// Commit is the HEAD commit
	Commit string
	// Origin is the URL of the origin remote, if there is one
	Origin string

	dirtyFiles []string
}

// GetGitInfo returns the state of the working copy containing loc, or nil if loc is not in one
func GetGitInfo(loc string) (*GitInfo, error) {
	repo, err := git.PlainOpenWithOptions(loc, &git.PlainOpenOptions{DetectDotGit: true})
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, nil
	}
	if err != nil {
		return nil, xerrors.Errorf("cannot open git repository at %s: %w", loc, err)
	}

	head, err := repo.Head()
	if err != nil {
		// an empty repository has no HEAD yet
		log.WithError(err).WithField("workingCopy", loc).Debug("cannot resolve HEAD")
		return nil, nil
	}

	res := &GitInfo{Commit: head.Hash().String()}
	if remote, err := repo.Remote("origin"); err == nil && len(remote.Config().URLs) > 0 {
		res.Origin = remote.Config().URLs[0]
	}

	wt, err := repo.Worktree()
	if err != nil {
		// bare repositories have no working copy to be dirty
		return res, nil
	}
	res.WorkingCopyLoc, _ = filepath.Abs(wt.Filesystem.Root())

	status, err := wt.Status()
	if err != nil {
		log.WithError(err).Warn("cannot compute git status: assuming the working copy is dirty")
		res.dirtyFiles = []string{"*"}
		return res, nil
	}
	for fn, s := range status {
		if s.Worktree == git.Unmodified && s.Staging == git.Unmodified {
			continue
		}
		res.dirtyFiles = append(res.dirtyFiles, fn)
	}
	sort.Strings(res.dirtyFiles)
	if len(res.dirtyFiles) > 0 {
		log.WithFields(log.Fields{
			"workingCopy": res.WorkingCopyLoc,
			"files":       res.dirtyFiles,
		}).Debug("working copy is dirty")
	}
	return res, nil
}

// IsDirty returns whether the working copy has any modifications
func (info *GitInfo) IsDirty() bool {
	return len(info.dirtyFiles) > 0
}

// DirtyFiles returns the modified files relative to the working copy
func (info *GitInfo) DirtyFiles() []string {
	return append([]string{}, info.dirtyFiles...)
}
