package vchat

import (
	"time"

	"github.com/golang/glog"
)

// NotificationKind classifies a user-facing notification.
type NotificationKind string

const (
	NotifySuccess NotificationKind = "success"
	NotifyError   NotificationKind = "error"
)

// Notifier shows transient feedback to the user. The engine never inspects
// the outcome.
type Notifier interface {
	Notify(kind NotificationKind, message string)
}

// NotifyFunc adapts a function to Notifier.
type NotifyFunc func(kind NotificationKind, message string)

func (f NotifyFunc) Notify(kind NotificationKind, message string) { f(kind, message) }

// LogNotifier writes notifications to the log.
type LogNotifier struct{}

func (LogNotifier) Notify(kind NotificationKind, message string) {
	if kind == NotifyError {
		glog.Errorf("notify: %s", message)
		return
	}
	glog.Infof("notify: %s", message)
}

// Notification is the last message shown by a NotificationCenter.
type Notification struct {
	Kind    NotificationKind
	Message string
	At      time.Time
}

// NotificationCenter publishes notifications through a Store so any number of
// views can render them.
type NotificationCenter struct {
	*Store[Notification]
}

// NewNotificationCenter creates an empty center.
func NewNotificationCenter() *NotificationCenter {
	return &NotificationCenter{Store: NewStore(Notification{})}
}

func (n *NotificationCenter) Notify(kind NotificationKind, message string) {
	n.Set(Notification{Kind: kind, Message: message, At: time.Now()})
}

// Dismiss clears the current notification.
func (n *NotificationCenter) Dismiss() {
	n.Set(Notification{})
}

type nopNotifier struct{}

func (nopNotifier) Notify(NotificationKind, string) {}
