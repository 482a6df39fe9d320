package notify

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHost struct {
	mu      sync.Mutex
	shown   []*Notification
	closed  []string
	opened  []string
	showErr error
	openErr error
}

func (h *fakeHost) Show(_ context.Context, n *Notification) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.showErr != nil {
		return h.showErr
	}
	h.shown = append(h.shown, n)
	return nil
}

func (h *fakeHost) Close(_ context.Context, id string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = append(h.closed, id)
	return nil
}

func (h *fakeHost) OpenWindow(_ context.Context, url string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.openErr != nil {
		return h.openErr
	}
	h.opened = append(h.opened, url)
	return nil
}

func newRelay(h *fakeHost) *Relay {
	return New(h, h)
}

func TestPushAndViewClick(t *testing.T) {
	ctx := context.Background()
	host := &fakeHost{}
	r := newRelay(host)

	n, err := r.Push(ctx, []byte(`{"title":"Sale","body":"50% off","data":{"url":"/sale"},"actions":[{"action":"view","title":"View"}]}`))
	require.NoError(t, err)
	require.NotNil(t, n)

	require.Len(t, host.shown, 1)
	assert.Equal(t, "Sale", host.shown[0].Title)
	assert.Equal(t, "50% off", host.shown[0].Body)
	assert.Equal(t, []Action{{Action: "view", Title: "View"}}, host.shown[0].Actions)

	require.NoError(t, r.Click(ctx, Click{NotificationID: n.ID, Action: ActionView}))
	assert.Equal(t, []string{n.ID}, host.closed)
	assert.Equal(t, []string{"/sale"}, host.opened)
	assert.Empty(t, r.Showing())
}

func TestPushDefaults(t *testing.T) {
	host := &fakeHost{}
	n, err := newRelay(host).Push(context.Background(), []byte(`{"title":"Hi","body":"there"}`))
	require.NoError(t, err)

	assert.NotEmpty(t, n.ID)
	assert.Equal(t, DefaultIcon, n.Icon)
	assert.Equal(t, DefaultBadge, n.Badge)
	assert.Equal(t, []int{100, 50, 100}, n.Vibrate)
	assert.NotNil(t, n.Actions)
	assert.Empty(t, n.Actions)
}

func TestPushOverridesDefaults(t *testing.T) {
	host := &fakeHost{}
	r := New(host, host, WithDefaults("/brand.png", ""))

	n, err := r.Push(context.Background(), []byte(`{"title":"a","badge":"/b.png"}`))
	require.NoError(t, err)
	assert.Equal(t, "/brand.png", n.Icon)
	assert.Equal(t, "/b.png", n.Badge)
}

func TestPushIgnoresEmptyAndMalformed(t *testing.T) {
	host := &fakeHost{}
	r := newRelay(host)

	for _, data := range [][]byte{nil, {}, []byte(`{not json`), []byte(`"just a string"`)} {
		n, err := r.Push(context.Background(), data)
		require.NoError(t, err)
		assert.Nil(t, n)
	}
	assert.Empty(t, host.shown)
}

func TestPushShowFailure(t *testing.T) {
	host := &fakeHost{showErr: errors.New("permission denied")}
	r := newRelay(host)

	n, err := r.Push(context.Background(), []byte(`{"title":"x"}`))
	require.Error(t, err)
	assert.Nil(t, n)
	assert.Empty(t, r.Showing())
}

func TestClickOtherActionOnlyCloses(t *testing.T) {
	ctx := context.Background()
	host := &fakeHost{}
	r := newRelay(host)

	n, err := r.Push(ctx, []byte(`{"title":"x","data":{"url":"/x"}}`))
	require.NoError(t, err)

	require.NoError(t, r.Click(ctx, Click{NotificationID: n.ID, Action: "dismiss"}))
	assert.Equal(t, []string{n.ID}, host.closed)
	assert.Empty(t, host.opened)
}

func TestClickViewWithoutURL(t *testing.T) {
	ctx := context.Background()
	host := &fakeHost{}
	r := newRelay(host)

	n, err := r.Push(ctx, []byte(`{"title":"x","data":{"url":42}}`))
	require.NoError(t, err)

	require.NoError(t, r.Click(ctx, Click{NotificationID: n.ID, Action: ActionView}))
	assert.Empty(t, host.opened)
}

func TestClickUnknownNotification(t *testing.T) {
	err := newRelay(&fakeHost{}).Click(context.Background(), Click{NotificationID: "nope", Action: ActionView})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestClickOpenFailureIsReturned(t *testing.T) {
	ctx := context.Background()
	host := &fakeHost{}
	r := newRelay(host)

	n, err := r.Push(ctx, []byte(`{"title":"x","data":{"url":"/x"}}`))
	require.NoError(t, err)

	host.openErr = errors.New("no window")
	err = r.Click(ctx, Click{NotificationID: n.ID, Action: ActionView})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no window")
	assert.Equal(t, []string{n.ID}, host.closed)
}

func TestPushEvictsOldestOverCap(t *testing.T) {
	ctx := context.Background()
	host := &fakeHost{}
	r := New(host, host, WithMaxShown(2))

	var ids []string
	for _, title := range []string{"one", "two", "three"} {
		n, err := r.Push(ctx, []byte(`{"title":"`+title+`"}`))
		require.NoError(t, err)
		ids = append(ids, n.ID)
	}

	showing := r.Showing()
	require.Len(t, showing, 2)
	assert.Equal(t, "two", showing[0].Title)
	assert.Equal(t, "three", showing[1].Title)
	assert.Equal(t, []string{ids[0]}, host.closed, "evicted notification is closed on the host")

	require.ErrorIs(t, r.Click(ctx, Click{NotificationID: ids[0]}), ErrNotFound)
	require.NoError(t, r.Click(ctx, Click{NotificationID: ids[1]}))

	n, err := r.Push(ctx, []byte(`{"title":"four"}`))
	require.NoError(t, err)
	assert.Len(t, r.Showing(), 2, "a click frees its slot")
	assert.Equal(t, []string{ids[0], ids[1]}, host.closed)
	assert.Equal(t, n.ID, r.Showing()[1].ID)
}

func TestWithMaxShownIgnoresNonPositive(t *testing.T) {
	r := New(&fakeHost{}, &fakeHost{}, WithMaxShown(0))
	assert.Equal(t, DefaultMaxShown, r.maxShown)
}
