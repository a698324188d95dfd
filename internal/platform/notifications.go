package platform

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"vybbi-edge/internal/push"
)

var ErrPermission = errors.New("platform: notification permission not granted")

type Permission string

const (
	PermissionDefault Permission = "default"
	PermissionGranted Permission = "granted"
	PermissionDenied  Permission = "denied"
)

func ParsePermission(s string) (Permission, error) {
	switch p := Permission(s); p {
	case PermissionDefault, PermissionGranted, PermissionDenied:
		return p, nil
	case "":
		return PermissionDefault, nil
	default:
		return "", fmt.Errorf("platform: unknown permission %q", s)
	}
}

// Notification is a shown notification.
type Notification struct {
	push.Descriptor
	ShownAt time.Time `json:"shownAt"`
}

// Notifications is the notification center: permission state plus the tray
// of shown notifications keyed by tag. Tray entries expire after the
// configured duration; expired ones are hidden at once and reclaimed on the
// next Show, so no background sweeper runs.
type Notifications struct {
	log *zap.Logger

	mu          sync.Mutex
	permission  Permission
	allowPrompt bool
	tray        *cache.Cache
}

// NewNotifications starts with the given permission. allowPrompt decides the
// outcome of a prompt while permission is default. expiry <= 0 keeps
// notifications until closed.
func NewNotifications(perm Permission, allowPrompt bool, expiry time.Duration, log *zap.Logger) *Notifications {
	if log == nil {
		log = zap.NewNop()
	}
	if perm == "" {
		perm = PermissionDefault
	}
	if expiry <= 0 {
		expiry = cache.NoExpiration
	}
	tray := cache.New(expiry, 0)
	return &Notifications{log: log, permission: perm, allowPrompt: allowPrompt, tray: tray}
}

func (n *Notifications) Permission() Permission {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.permission
}

// RequestPermission prompts only while permission is default. A refused
// prompt leaves it default; a granted or denied answer is final.
func (n *Notifications) RequestPermission(ctx context.Context) (Permission, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.permission == PermissionDefault && n.allowPrompt {
		n.permission = PermissionGranted
		n.log.Info("notification permission granted")
	}
	return n.permission, nil
}

// Show displays d. A notification with the same tag replaces the previous
// one.
func (n *Notifications) Show(ctx context.Context, d push.Descriptor) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if n.Permission() != PermissionGranted {
		return ErrPermission
	}
	tag := d.Tag
	if tag == "" {
		tag = push.DefaultTag
		d.Tag = tag
	}
	n.tray.DeleteExpired()
	n.tray.Set(tag, Notification{Descriptor: d, ShownAt: time.Now().UTC()}, cache.DefaultExpiration)
	n.log.Debug("notification shown", zap.String("tag", tag), zap.String("title", d.Title))
	return nil
}

func (n *Notifications) Get(tag string) (Notification, bool) {
	v, ok := n.tray.Get(tag)
	if !ok {
		return Notification{}, false
	}
	return v.(Notification), true
}

// List returns unexpired notifications, newest first.
func (n *Notifications) List() []Notification {
	items := n.tray.Items()
	out := make([]Notification, 0, len(items))
	for _, it := range items {
		out = append(out, it.Object.(Notification))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ShownAt.Equal(out[j].ShownAt) {
			return out[i].Tag < out[j].Tag
		}
		return out[i].ShownAt.After(out[j].ShownAt)
	})
	return out
}

func (n *Notifications) Close(tag string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.tray.Get(tag); !ok {
		return false
	}
	n.tray.Delete(tag)
	return true
}
