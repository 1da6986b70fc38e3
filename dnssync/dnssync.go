// Package dnssync reads the DNS servers synced from the companion, stored in
// resolv.conf format, and follows changes to that file.
package dnssync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/netip"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/miekg/dns"
	"github.com/user/companion-proxy/logger"
)

// DefaultDebounce collapses bursts of writes to the resolv file
const DefaultDebounce = 500 * time.Millisecond

// Parse returns the nameservers listed in resolv.conf content, deduplicated
// and in file order. Entries that are not IP addresses are skipped.
func Parse(r io.Reader) ([]netip.Addr, error) {
	cfg, err := dns.ClientConfigFromReader(r)
	if err != nil {
		return nil, fmt.Errorf("dnssync: parse resolv config: %w", err)
	}

	seen := make(map[netip.Addr]bool, len(cfg.Servers))
	var out []netip.Addr
	for _, s := range cfg.Servers {
		addr, err := netip.ParseAddr(s)
		if err != nil {
			logger.Debug("DNS", "Skipping nameserver %q: %v", s, err)
			continue
		}
		if seen[addr] {
			continue
		}
		seen[addr] = true
		out = append(out, addr)
	}
	return out, nil
}

// Load parses the file at path. A missing file yields no servers and no error.
func Load(path string) ([]netip.Addr, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dnssync: open %s: %w", path, err)
	}
	defer f.Close()
	return Parse(f)
}

// Watch calls fn with the servers in path now and after every change, until
// ctx is done. Removing the file reports no servers. Changes within debounce
// of each other are reported once.
func Watch(ctx context.Context, path string, debounce time.Duration, fn func([]netip.Addr)) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("dnssync: resolve %s: %w", path, err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("dnssync: create watcher: %w", err)
	}
	defer w.Close()

	// Watch the directory so the file can be created, replaced or removed
	if err := w.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("dnssync: watch %s: %w", filepath.Dir(abs), err)
	}

	report := func() {
		servers, err := Load(abs)
		if err != nil {
			logger.Warn("DNS", "Ignoring unreadable %s: %v", abs, err)
			return
		}
		logger.Debug("DNS", "Synced DNS servers from %s: %v", abs, servers)
		fn(servers)
	}
	report()

	timer := time.NewTimer(debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != filepath.Base(abs) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			timer.Reset(debounce)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Warn("DNS", "Watcher error: %v", err)
		case <-timer.C:
			report()
		}
	}
}
