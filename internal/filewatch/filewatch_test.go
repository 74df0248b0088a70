package filewatch

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxmon/agentd/internal/metrics"
)

type fakeSubscriber struct {
	mu       sync.Mutex
	lines    [][]byte
	errs     []error
	requests []uint32
}

func (f *fakeSubscriber) NotifyFileUpdate(requestID uint32, line []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := append([]byte(nil), line...)
	f.lines = append(f.lines, cp)
	f.requests = append(f.requests, requestID)
}

func (f *fakeSubscriber) NotifyFileMonitorError(requestID uint32, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs = append(f.errs, err)
}

func (f *fakeSubscriber) lineCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.lines)
}

func (f *fakeSubscriber) errCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.errs)
}

func TestSubscribeForwardsAppendedLines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "watched.log")
	require.NoError(t, os.WriteFile(path, []byte("existing line\n"), 0600))

	m := New(metrics.New(), nil)
	sub := &fakeSubscriber{}
	require.NoError(t, m.Subscribe(path, 7, sub))
	defer m.CancelAll(sub)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0600)
	require.NoError(t, err)
	_, err = f.WriteString("new line one\nnew line two\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.Eventually(t, func() bool { return sub.lineCount() >= 2 }, 2*time.Second, 10*time.Millisecond)
	sub.mu.Lock()
	defer sub.mu.Unlock()
	assert.Equal(t, "new line one", string(sub.lines[0]))
	assert.Equal(t, "new line two", string(sub.lines[1]))
	assert.Equal(t, uint32(7), sub.requests[0])
}

func TestSubscribeTwiceSharesOneWatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "shared.log")
	require.NoError(t, os.WriteFile(path, nil, 0600))

	m := New(metrics.New(), nil)
	subA := &fakeSubscriber{}
	subB := &fakeSubscriber{}
	require.NoError(t, m.Subscribe(path, 1, subA))
	require.NoError(t, m.Subscribe(path, 2, subB))
	defer m.CancelAll(subA)
	defer m.CancelAll(subB)

	assert.Len(t, m.files, 1)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0600)
	require.NoError(t, err)
	_, err = f.WriteString("broadcast\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.Eventually(t, func() bool { return subA.lineCount() == 1 && subB.lineCount() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestCancelRemovesSubscriptionAndStopsWatchWhenLast(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cancel.log")
	require.NoError(t, os.WriteFile(path, nil, 0600))

	m := New(metrics.New(), nil)
	sub := &fakeSubscriber{}
	require.NoError(t, m.Subscribe(path, 3, sub))
	assert.True(t, m.IsMonitored(path))

	require.NoError(t, m.Cancel(path, 3))
	assert.False(t, m.IsMonitored(path))

	err := m.Cancel(path, 3)
	assert.ErrorIs(t, err, ErrNotMonitored)
}

func TestCancelUnknownRequestReturnsError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "unknown.log")
	require.NoError(t, os.WriteFile(path, nil, 0600))

	m := New(metrics.New(), nil)
	sub := &fakeSubscriber{}
	require.NoError(t, m.Subscribe(path, 5, sub))
	defer m.CancelAll(sub)

	err := m.Cancel(path, 999)
	assert.ErrorIs(t, err, ErrNotMonitored)
	assert.True(t, m.IsMonitored(path))
}

func TestCancelAllDropsEverySubscriptionForSubscriber(t *testing.T) {
	dir := t.TempDir()
	pathA := filepath.Join(dir, "a.log")
	pathB := filepath.Join(dir, "b.log")
	require.NoError(t, os.WriteFile(pathA, nil, 0600))
	require.NoError(t, os.WriteFile(pathB, nil, 0600))

	m := New(metrics.New(), nil)
	sub := &fakeSubscriber{}
	require.NoError(t, m.Subscribe(pathA, 1, sub))
	require.NoError(t, m.Subscribe(pathB, 2, sub))

	m.CancelAll(sub)
	assert.False(t, m.IsMonitored(pathA))
	assert.False(t, m.IsMonitored(pathB))
}

func TestRemovedFileNotifiesSubscriberError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "removed.log")
	require.NoError(t, os.WriteFile(path, nil, 0600))

	m := New(metrics.New(), nil)
	sub := &fakeSubscriber{}
	require.NoError(t, m.Subscribe(path, 9, sub))

	require.NoError(t, os.Remove(path))

	require.Eventually(t, func() bool { return sub.errCount() >= 1 }, 2*time.Second, 10*time.Millisecond)
	assert.False(t, m.IsMonitored(path))
}

func TestSubscribeMissingFileFails(t *testing.T) {
	m := New(metrics.New(), nil)
	sub := &fakeSubscriber{}
	err := m.Subscribe(fmt.Sprintf("/nonexistent/%d.log", time.Now().UnixNano()%1000000), 1, sub)
	assert.Error(t, err)
}
