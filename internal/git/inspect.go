package git

import (
	"errors"
	"fmt"

	gogit "github.com/go-git/go-git/v5"
)

// ErrNotARepository is returned by Inspect when dir is not a git working
// tree. Callers treat it as a configuration-class error: the pipeline must
// not start against a directory git commands would reject anyway.
var ErrNotARepository = errors.New("not a git repository")

// Info describes the working tree at run start, used to stamp the run log.
type Info struct {
	Branch string
	Head   string
	Remote string // origin URL, empty when no origin remote is configured
}

// Inspect opens the working tree at dir with go-git and reports the current
// branch, HEAD commit and origin URL.
func Inspect(dir string) (Info, error) {
	repo, err := gogit.PlainOpen(dir)
	if err != nil {
		if errors.Is(err, gogit.ErrRepositoryNotExists) {
			return Info{}, fmt.Errorf("%w: %s", ErrNotARepository, dir)
		}
		return Info{}, fmt.Errorf("opening repository %s: %w", dir, err)
	}

	head, err := repo.Head()
	if err != nil {
		return Info{}, fmt.Errorf("resolving HEAD of %s: %w", dir, err)
	}

	info := Info{
		Branch: head.Name().Short(),
		Head:   head.Hash().String(),
	}

	// Origin is informational; a worktree without one is still usable when
	// git itself has another upstream configured.
	if remote, err := repo.Remote(gogit.DefaultRemoteName); err == nil {
		if urls := remote.Config().URLs; len(urls) > 0 {
			info.Remote = urls[0]
		}
	}

	return info, nil
}
