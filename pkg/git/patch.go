package git

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/utils/merkletrie"
	"github.com/opencontainers/go-digest"

	"github.com/tgagor/dapp/pkg/hasher"
	"github.com/tgagor/dapp/pkg/util"
)

type Action string

const (
	Add    Action = "add"
	Modify Action = "modify"
	Delete Action = "delete"
)

// Op is one changed path. Content is read lazily through Open.
type Op struct {
	Action Action
	// Path is relative to the artifact's cwd, slash separated.
	Path string
	Mode filemode.FileMode
	Hash plumbing.Hash

	open func() (io.ReadCloser, error)
}

// Open returns the new content of an added or modified path.
func (o Op) Open() (io.ReadCloser, error) {
	if o.Action == Delete || o.open == nil {
		return nil, fmt.Errorf("%s has no content in a %s operation", o.Path, o.Action)
	}
	return o.open()
}

// Patch is the filtered change set between two commits, ordered by path.
// A full patch lists the whole tree of To as additions.
type Patch struct {
	From   string
	To     string
	Full   bool
	Ops    []Op
	// Pruned are the topmost directories left without files by the deletions.
	Pruned []string
}

func (p *Patch) Empty() bool {
	return len(p.Ops) == 0
}

// Digest identifies the change set. It covers what changes, not the commits
// it was computed between.
func (p *Patch) Digest() digest.Digest {
	h := hasher.New()
	if p.Full {
		h.Add("full")
	} else {
		h.Add("incremental")
	}
	for _, op := range p.Ops {
		h.Add(string(op.Action), op.Path, op.Mode.String(), op.Hash.String())
	}
	return h.Digest()
}

// Deleted lists paths removed by the patch.
func (p *Patch) Deleted() []string {
	var paths []string
	for _, op := range p.Ops {
		if op.Action == Delete {
			paths = append(paths, op.Path)
		}
	}
	return paths
}

// Export writes the content of every added or modified path below dir.
// It returns the number of files written.
func (p *Patch) Export(dir string) (int, error) {
	written := 0
	for _, op := range p.Ops {
		if op.Action == Delete {
			continue
		}
		if err := exportOp(dir, op); err != nil {
			return written, err
		}
		written++
	}
	return written, nil
}

func exportOp(dir string, op Op) error {
	target := filepath.Join(dir, filepath.FromSlash(op.Path))
	if !strings.HasPrefix(target, filepath.Clean(dir)+string(filepath.Separator)) {
		return fmt.Errorf("path %s escapes export directory", op.Path)
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}

	r, err := op.Open()
	if err != nil {
		return err
	}
	defer r.Close()

	if op.Mode == filemode.Symlink {
		link, err := io.ReadAll(r)
		if err != nil {
			return err
		}
		return os.Symlink(string(link), target)
	}

	perm, err := op.Mode.ToOSFileMode()
	if err != nil {
		return err
	}
	f, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm.Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Diff computes the patch from..to restricted by filter. An empty from yields
// the full tree of to.
func (r *Repo) Diff(from, to string, filter Filter) (*Patch, error) {
	toCommit, err := r.commit(to)
	if err != nil {
		return nil, &util.RepoError{Repo: r.String(), Err: err}
	}
	toTree, err := toCommit.Tree()
	if err != nil {
		return nil, &util.RepoError{Repo: r.String(), Err: err}
	}

	patch := &Patch{From: from, To: to, Full: from == ""}
	if patch.Full {
		patch.Ops, err = r.treeOps(toTree, filter)
	} else {
		patch.Ops, err = r.diffOps(from, toTree, filter)
	}
	if err != nil {
		return nil, &util.RepoError{Repo: r.String(), Err: err}
	}

	sort.Slice(patch.Ops, func(i, j int) bool {
		return patch.Ops[i].Path < patch.Ops[j].Path
	})
	if deleted := patch.Deleted(); len(deleted) > 0 {
		if patch.Pruned, err = r.prunedDirs(toTree, filter, deleted); err != nil {
			return nil, &util.RepoError{Repo: r.String(), Err: err}
		}
	}
	return patch, nil
}

// prunedDirs finds the directories of deleted paths that hold no file of the
// filtered tree any more. git does not track directories, so a full copy would
// not have them.
func (r *Repo) prunedDirs(tree *object.Tree, filter Filter, deleted []string) ([]string, error) {
	live := map[string]bool{}
	err := tree.Files().ForEach(func(f *object.File) error {
		if rel, ok := filter.Match(f.Name); ok {
			for dir := path.Dir(rel); dir != "."; dir = path.Dir(dir) {
				live[dir] = true
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	pruned := map[string]bool{}
	for _, p := range deleted {
		parts := strings.Split(path.Dir(p), "/")
		for i := range parts {
			dir := strings.Join(parts[:i+1], "/")
			if dir == "." {
				break
			}
			if !live[dir] {
				pruned[dir] = true
				break
			}
		}
	}

	dirs := make([]string, 0, len(pruned))
	for dir := range pruned {
		dirs = append(dirs, dir)
	}
	sort.Strings(dirs)
	return dirs, nil
}

func (r *Repo) treeOps(tree *object.Tree, filter Filter) ([]Op, error) {
	var ops []Op
	err := tree.Files().ForEach(func(f *object.File) error {
		rel, ok := filter.Match(f.Name)
		if !ok {
			return nil
		}
		ops = append(ops, r.op(Add, rel, f.Mode, f.Hash))
		return nil
	})
	return ops, err
}

func (r *Repo) diffOps(from string, toTree *object.Tree, filter Filter) ([]Op, error) {
	fromCommit, err := r.commit(from)
	if err != nil {
		return nil, err
	}
	fromTree, err := fromCommit.Tree()
	if err != nil {
		return nil, err
	}

	changes, err := object.DiffTree(fromTree, toTree)
	if err != nil {
		return nil, fmt.Errorf("diff from %s: %w", from, err)
	}

	var ops []Op
	for _, change := range changes {
		action, err := change.Action()
		if err != nil {
			return nil, err
		}

		var entry object.ChangeEntry
		var kind Action
		switch action {
		case merkletrie.Insert:
			entry, kind = change.To, Add
		case merkletrie.Modify:
			entry, kind = change.To, Modify
		case merkletrie.Delete:
			entry, kind = change.From, Delete
		default:
			return nil, errors.New("unknown change action")
		}

		if entry.TreeEntry.Mode == filemode.Submodule {
			continue
		}
		rel, ok := filter.Match(entry.Name)
		if !ok {
			continue
		}
		ops = append(ops, r.op(kind, rel, entry.TreeEntry.Mode, entry.TreeEntry.Hash))
	}
	return ops, nil
}

func (r *Repo) op(action Action, path string, mode filemode.FileMode, hash plumbing.Hash) Op {
	op := Op{Action: action, Path: path, Mode: mode, Hash: hash}
	if action != Delete {
		op.open = func() (io.ReadCloser, error) {
			blob, err := r.repo.BlobObject(hash)
			if err != nil {
				return nil, fmt.Errorf("blob %s of %s: %w", hash, path, err)
			}
			return blob.Reader()
		}
	}
	return op
}
