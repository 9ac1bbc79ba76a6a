// Package atomicfile implements the crash-safe store replacement primitive
// every mutation in the pipeline goes through.
//
// Replace builds a candidate version of a file in a uniquely named scratch
// path in the same directory as the target (same filesystem, so the final
// swap is a single rename), byte-compares it against the current version,
// and only renames on change. Scratch paths are tracked in a process-wide
// registry that a signal handler drains, so an interrupted run never leaves
// a partial artifact and never touches the target.
package atomicfile

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/mirrorstats/countme/pkg/logging"
)

// InterruptExitCode is the process exit status after cleanup on SIGINT or
// SIGTERM.
const InterruptExitCode = 3

var (
	mu          sync.Mutex
	scratches   = make(map[string]struct{})
	handlerOnce sync.Once
)

func register(path string) {
	handlerOnce.Do(installHandler)
	mu.Lock()
	scratches[path] = struct{}{}
	mu.Unlock()
}

func unregister(path string) {
	mu.Lock()
	delete(scratches, path)
	mu.Unlock()
}

// installHandler arranges for scratch files to be removed when the process
// is interrupted. The handler exits with InterruptExitCode; every target
// store is still its last-known-good version at that point.
func installHandler() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-ch
		mu.Lock()
		for p := range scratches {
			os.Remove(p)
		}
		mu.Unlock()
		logging.L().Warn().Str("signal", sig.String()).Msg("interrupted, scratch files removed")
		os.Exit(InterruptExitCode)
	}()
}

// Replace atomically replaces target with the content produced by build.
//
// build receives a scratch path in target's directory and must populate it
// completely. If the finished scratch is byte-identical to the existing
// target, the scratch is discarded and the target (including its mtime) is
// left untouched; Replace returns changed=false. Otherwise the target's
// permission bits are copied onto the scratch and the scratch is renamed
// over the target.
//
// On any error the scratch is removed and the target is never modified.
func Replace(target string, build func(scratch string) error) (changed bool, err error) {
	dir := filepath.Dir(target)
	base := filepath.Base(target)

	f, err := os.CreateTemp(dir, "."+base+".*.tmp")
	if err != nil {
		return false, fmt.Errorf("create scratch file: %w", err)
	}
	scratch := f.Name()
	f.Close()

	register(scratch)
	defer func() {
		// The deferred remove is a no-op after a successful rename.
		os.Remove(scratch)
		unregister(scratch)
	}()

	if err := build(scratch); err != nil {
		return false, err
	}

	info, err := os.Stat(target)
	switch {
	case err == nil:
		same, cmpErr := sameContent(target, scratch)
		if cmpErr != nil {
			return false, fmt.Errorf("compare %s: %w", target, cmpErr)
		}
		if same {
			return false, nil
		}
		if err := os.Chmod(scratch, info.Mode().Perm()); err != nil {
			return false, fmt.Errorf("preserve mode of %s: %w", target, err)
		}
	case os.IsNotExist(err):
		// New target, scratch keeps its default mode.
	default:
		return false, fmt.Errorf("stat %s: %w", target, err)
	}

	if err := syncFile(scratch); err != nil {
		return false, fmt.Errorf("sync scratch file: %w", err)
	}
	if err := os.Rename(scratch, target); err != nil {
		return false, fmt.Errorf("rename scratch to %s: %w", target, err)
	}
	return true, nil
}

// Clone copies src's content into dst, creating or truncating dst. It is
// used by build functions that mutate a copy of the existing store.
func Clone(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("copy %s to %s: %w", src, dst, err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("close %s: %w", dst, err)
	}
	return nil
}

// sameContent reports whether two files hold identical bytes.
func sameContent(a, b string) (bool, error) {
	ai, err := os.Stat(a)
	if err != nil {
		return false, err
	}
	bi, err := os.Stat(b)
	if err != nil {
		return false, err
	}
	if ai.Size() != bi.Size() {
		return false, nil
	}

	af, err := os.Open(a)
	if err != nil {
		return false, err
	}
	defer af.Close()
	bf, err := os.Open(b)
	if err != nil {
		return false, err
	}
	defer bf.Close()

	ar := bufio.NewReaderSize(af, 1<<20)
	br := bufio.NewReaderSize(bf, 1<<20)
	abuf := make([]byte, 64*1024)
	bbuf := make([]byte, 64*1024)
	for {
		an, aerr := io.ReadFull(ar, abuf)
		bn, berr := io.ReadFull(br, bbuf)
		if !bytes.Equal(abuf[:an], bbuf[:bn]) {
			return false, nil
		}
		if aerr == io.EOF || aerr == io.ErrUnexpectedEOF {
			return berr == io.EOF || berr == io.ErrUnexpectedEOF, nil
		}
		if aerr != nil {
			return false, aerr
		}
		if berr != nil {
			return false, berr
		}
	}
}

// syncFile opens, syncs, and closes a file.
func syncFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	err = f.Sync()
	f.Close()
	return err
}
