package workspace

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// skipDirs are never copied into or out of a directory workspace.
var skipDirs = map[string]bool{".git": true}

type dirAgent struct {
	// original holds base file hashes when the agent's first workspace was made.
	original map[string][32]byte
	// committed holds file contents at the last commit; nil means deleted.
	committed map[string][]byte
}

// DirProvider isolates agents in plain directory copies. It needs no version
// control: commits are snapshots, and a merge conflicts when a file changed
// in both the base and the workspace.
type DirProvider struct {
	root    string
	baseDir string

	mu      sync.Mutex
	agents  map[string]*dirAgent
	handles map[string]Handle
}

var _ Provider = (*DirProvider)(nil)

// NewDirProvider creates a provider copying from root into workspaces under
// baseDir. An empty baseDir means root/.quorum/worktrees.
func NewDirProvider(root, baseDir string) (*DirProvider, error) {
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if baseDir == "" {
		baseDir = filepath.Join(root, ".quorum", "worktrees")
	}
	baseDir, err = filepath.Abs(baseDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("create workspace base directory: %w", err)
	}
	return &DirProvider{
		root:    root,
		baseDir: baseDir,
		agents:  make(map[string]*dirAgent),
		handles: make(map[string]Handle),
	}, nil
}

// Root returns the mainline directory.
func (p *DirProvider) Root() string { return p.root }

// Create implements Provider. base is ignored; workspaces copy the root.
func (p *DirProvider) Create(ctx context.Context, _ string, agentID string) (Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	name := DirName(agentID)
	h := Handle{ID: name, AgentID: agentID, Path: filepath.Join(p.baseDir, name)}
	if err := p.copyTree(ctx, p.root, h.Path); err != nil {
		return Handle{}, fmt.Errorf("copy workspace for %s: %w", agentID, err)
	}

	a, ok := p.agents[agentID]
	if !ok {
		files, err := p.hashTree(p.root)
		if err != nil {
			return Handle{}, err
		}
		a = &dirAgent{original: files, committed: make(map[string][]byte)}
		p.agents[agentID] = a
	}
	// restore committed work from an earlier workspace
	for rel, data := range a.committed {
		dst := filepath.Join(h.Path, rel)
		if data == nil {
			_ = os.Remove(dst)
			continue
		}
		if err := writeFile(dst, data); err != nil {
			return Handle{}, err
		}
	}
	p.handles[h.ID] = h
	return h, nil
}

// Commit implements Provider.
func (p *DirProvider) Commit(_ context.Context, h Handle, _ string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	a, ok := p.agent(h)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownHandle, h.ID)
	}
	current, err := p.hashTree(h.Path)
	if err != nil {
		return err
	}
	committed := make(map[string][]byte)
	for rel, sum := range current {
		if orig, ok := a.original[rel]; ok && orig == sum {
			continue
		}
		data, err := os.ReadFile(filepath.Join(h.Path, rel))
		if err != nil {
			return err
		}
		committed[rel] = data
	}
	for rel := range a.original {
		if _, ok := current[rel]; !ok {
			committed[rel] = nil
		}
	}
	a.committed = committed
	return nil
}

// Merge implements Provider. into defaults to the provider root.
func (p *DirProvider) Merge(_ context.Context, h Handle, into string) (MergeOutcome, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	a, ok := p.agent(h)
	if !ok {
		return MergeOutcome{}, fmt.Errorf("%w: %s", ErrUnknownHandle, h.ID)
	}
	if into == "" {
		into = p.root
	}

	var conflicts []string
	for rel, data := range a.committed {
		cur, exists, err := hashFile(filepath.Join(into, rel))
		if err != nil {
			return MergeOutcome{}, err
		}
		orig, existed := a.original[rel]
		baseChanged := exists != existed || (exists && cur != orig)
		if !baseChanged {
			continue
		}
		// the same change on both sides is not a conflict
		if data != nil && exists && cur == sha256.Sum256(data) {
			continue
		}
		if data == nil && !exists {
			continue
		}
		conflicts = append(conflicts, rel)
	}
	if len(conflicts) > 0 {
		sort.Strings(conflicts)
		return MergeOutcome{Conflict: conflicts}, nil
	}

	for rel, data := range a.committed {
		dst := filepath.Join(into, rel)
		if data == nil {
			if err := os.Remove(dst); err != nil && !os.IsNotExist(err) {
				return MergeOutcome{}, err
			}
			continue
		}
		if err := writeFile(dst, data); err != nil {
			return MergeOutcome{}, err
		}
	}
	return MergeOutcome{Applied: true}, nil
}

// Release implements Provider.
func (p *DirProvider) Release(_ context.Context, h Handle) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.handles[h.ID]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownHandle, h.ID)
	}
	delete(p.handles, h.ID)
	return os.RemoveAll(h.Path)
}

// agent looks up committed state by agent, so released handles may still merge.
func (p *DirProvider) agent(h Handle) (*dirAgent, bool) {
	a, ok := p.agents[h.AgentID]
	return a, ok
}

// skip reports whether a walked entry holds runtime state rather than work.
func (p *DirProvider) skip(path string, d fs.DirEntry) bool {
	parent := filepath.Base(filepath.Dir(path))
	if !d.IsDir() {
		return parent == ".quorum" && strings.HasPrefix(d.Name(), "state.db")
	}
	if skipDirs[d.Name()] || path == p.baseDir {
		return true
	}
	return parent == ".quorum" && (d.Name() == "worktrees" || d.Name() == "logs")
}

func (p *DirProvider) copyTree(ctx context.Context, src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if path != src && p.skip(path, d) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0755)
		}
		if !d.Type().IsRegular() {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		return writeFile(target, data)
	})
}

func (p *DirProvider) hashTree(root string) (map[string][32]byte, error) {
	out := make(map[string][32]byte)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path != root && p.skip(path, d) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		sum, _, err := hashFile(path)
		if err != nil {
			return err
		}
		out[filepath.ToSlash(rel)] = sum
		return nil
	})
	return out, err
}

func hashFile(path string) ([32]byte, bool, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return [32]byte{}, false, nil
	}
	if err != nil {
		return [32]byte{}, false, err
	}
	return sha256.Sum256(data), true, nil
}

func writeFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	if cur, err := os.ReadFile(path); err == nil && bytes.Equal(cur, data) {
		return nil
	}
	return os.WriteFile(path, data, 0644)
}
