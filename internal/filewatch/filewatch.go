// Package filewatch implements follow-mode file monitoring: a session
// subscribes to a file, the monitor tails appended bytes and forwards
// whole lines to the subscriber, and the subscription is released on
// cancel or session close. Grounded on
// original_source/src/agent/core/nxagentd.h's MonitoredFileList
// (addMonitoringFile/checkFileMonitored/removeMonitoringFile, keyed by
// file name with a reference count) and FollowData/
// SendFileUpdatesOverNXCP, the thread that tails a file from a given
// offset and streams new lines to the requesting session. Uses
// fsnotify (teacher dependency) in place of the original's polling
// follow thread.
package filewatch

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/fluxmon/agentd/internal/metrics"
)

// ErrNotMonitored is returned by Cancel for a file with no active
// subscription under the given request id.
var ErrNotMonitored = errors.New("filewatch: file is not monitored by this subscriber")

// Subscriber receives lines appended to a monitored file. Sessions
// implement this to stream updates back to the server over NXCP; it
// is kept narrow here to avoid a dependency on internal/session.
type Subscriber interface {
	// NotifyFileUpdate is called with each newly appended line (with
	// trailing newline stripped) and the request id the subscription
	// was registered under.
	NotifyFileUpdate(requestID uint32, line []byte)
	// NotifyFileMonitorError is called once if the watch itself fails
	// (file removed, permission revoked) and ends the subscription.
	NotifyFileMonitorError(requestID uint32, err error)
}

type subscription struct {
	requestID uint32
	sub       Subscriber
}

// monitoredFile mirrors MONITORED_FILE's (fileName, monitoringCount)
// pair, generalized to a set of independent subscriptions so each
// subscriber gets its own requestID notified.
type monitoredFile struct {
	path          string
	watcher       *fsnotify.Watcher
	offset        int64
	subscriptions []subscription
	stop          chan struct{}
}

// Monitor tracks every actively watched file, keyed by path, the way
// MonitoredFileList does under a single mutex.
type Monitor struct {
	mu      sync.Mutex
	files   map[string]*monitoredFile
	metrics *metrics.Registry
	log     *zap.Logger
}

func New(m *metrics.Registry, log *zap.Logger) *Monitor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Monitor{files: make(map[string]*monitoredFile), metrics: m, log: log}
}

// Subscribe begins (or joins) tail-follow monitoring of path on behalf
// of sub, notified under requestID. Monitoring starts from the
// file's current end of file, matching the original's "watch for new
// lines from the point of subscription" behavior.
func (m *Monitor) Subscribe(path string, requestID uint32, sub Subscriber) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	mf, ok := m.files[path]
	if ok {
		mf.subscriptions = append(mf.subscriptions, subscription{requestID: requestID, sub: sub})
		return nil
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("filewatch: open %s: %w", path, err)
	}
	offset, err := f.Seek(0, io.SeekEnd)
	f.Close()
	if err != nil {
		return fmt.Errorf("filewatch: seek %s: %w", path, err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("filewatch: new watcher: %w", err)
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return fmt.Errorf("filewatch: watch %s: %w", path, err)
	}

	mf = &monitoredFile{
		path:          path,
		watcher:       watcher,
		offset:        offset,
		subscriptions: []subscription{{requestID: requestID, sub: sub}},
		stop:          make(chan struct{}),
	}
	m.files[path] = mf
	if m.metrics != nil {
		m.metrics.FileMonitorsActive.Inc()
	}
	go m.run(mf)
	return nil
}

// Cancel removes one subscription for path. The underlying watch is
// torn down once the last subscriber cancels, mirroring
// checkFileMonitored/removeMonitoringFile's reference-count drop.
func (m *Monitor) Cancel(path string, requestID uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	mf, ok := m.files[path]
	if !ok {
		return ErrNotMonitored
	}
	kept := mf.subscriptions[:0]
	removed := false
	for _, s := range mf.subscriptions {
		if s.requestID == requestID {
			removed = true
			continue
		}
		kept = append(kept, s)
	}
	if !removed {
		return ErrNotMonitored
	}
	mf.subscriptions = kept
	if len(mf.subscriptions) == 0 {
		m.stopLocked(mf)
	}
	return nil
}

// CancelAll drops every subscription belonging to sub, used when a
// session closes without explicitly cancelling its monitors.
func (m *Monitor) CancelAll(sub Subscriber) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for path, mf := range m.files {
		kept := mf.subscriptions[:0]
		for _, s := range mf.subscriptions {
			if s.sub != sub {
				kept = append(kept, s)
			}
		}
		mf.subscriptions = kept
		if len(mf.subscriptions) == 0 {
			m.stopLocked(mf)
			delete(m.files, path)
		}
	}
}

// IsMonitored reports whether path currently has at least one
// subscriber, mirroring checkFileMonitored.
func (m *Monitor) IsMonitored(path string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.files[path]
	return ok
}

func (m *Monitor) stopLocked(mf *monitoredFile) {
	close(mf.stop)
	mf.watcher.Close()
	delete(m.files, mf.path)
	if m.metrics != nil {
		m.metrics.FileMonitorsActive.Dec()
	}
}

func (m *Monitor) run(mf *monitoredFile) {
	for {
		select {
		case <-mf.stop:
			return
		case ev, ok := <-mf.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				m.drain(mf)
			}
			if ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
				m.fail(mf, fmt.Errorf("filewatch: %s was removed or renamed", mf.path))
				return
			}
		case err, ok := <-mf.watcher.Errors:
			if !ok {
				return
			}
			m.log.Warn("file watch error", zap.String("path", mf.path), zap.Error(err))
		}
	}
}

// drain reads every complete line appended since the last known
// offset and forwards it to all current subscribers.
func (m *Monitor) drain(mf *monitoredFile) {
	f, err := os.Open(mf.path)
	if err != nil {
		m.fail(mf, err)
		return
	}
	defer f.Close()

	if _, err := f.Seek(mf.offset, io.SeekStart); err != nil {
		m.fail(mf, err)
		return
	}

	r := bufio.NewReader(f)
	for {
		line, err := r.ReadBytes('\n')
		if len(line) > 0 && err == nil {
			mf.offset += int64(len(line))
			m.broadcast(mf, line[:len(line)-1])
		}
		if err != nil {
			break
		}
	}
}

func (m *Monitor) broadcast(mf *monitoredFile, line []byte) {
	m.mu.Lock()
	subs := append([]subscription(nil), mf.subscriptions...)
	m.mu.Unlock()

	for _, s := range subs {
		s.sub.NotifyFileUpdate(s.requestID, line)
	}
	if m.metrics != nil {
		m.metrics.FileMonitorLines.Inc()
	}
}

func (m *Monitor) fail(mf *monitoredFile, err error) {
	m.mu.Lock()
	subs := append([]subscription(nil), mf.subscriptions...)
	m.mu.Unlock()

	for _, s := range subs {
		s.sub.NotifyFileMonitorError(s.requestID, err)
	}

	m.mu.Lock()
	if _, ok := m.files[mf.path]; ok {
		m.stopLocked(mf)
	}
	m.mu.Unlock()
}
