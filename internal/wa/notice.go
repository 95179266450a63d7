package wa

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"go.mau.fi/whatsmeow/types"

	"digistore/internal/notify"
	"digistore/internal/repo"
)

// ProfileLoader resolves the phone number a notice is delivered to.
type ProfileLoader interface {
	GetProfile(ctx context.Context, id string) (*repo.Profile, error)
}

// Notifier delivers user notices to the profile's WhatsApp number.
type Notifier struct {
	sender   Sender
	profiles ProfileLoader
	logger   *slog.Logger
}

func NewNotifier(sender Sender, profiles ProfileLoader, logger *slog.Logger) *Notifier {
	return &Notifier{sender: sender, profiles: profiles, logger: logger.With("component", "wa_notifier")}
}

// Notify sends n to its owner. Profiles without a usable phone number are
// skipped silently.
func (n *Notifier) Notify(ctx context.Context, notice notify.Notice) error {
	profile, err := n.profiles.GetProfile(ctx, notice.UserID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("load profile for notice: %w", err)
	}
	if profile.PhoneNumber == nil {
		return nil
	}
	to, ok := PhoneJID(*profile.PhoneNumber)
	if !ok {
		n.logger.Debug("skipping notice, unusable phone number", "user_id", notice.UserID)
		return nil
	}
	return n.sender.SendText(ctx, to, formatNotice(notice))
}

func formatNotice(n notify.Notice) string {
	if n.Detail == "" {
		return "*" + n.Title + "*"
	}
	return "*" + n.Title + "*\n" + n.Detail
}

// OperatorAlerter forwards operational alerts to every operator number.
type OperatorAlerter struct {
	sender    Sender
	operators []types.JID
	logger    *slog.Logger
}

// NewOperatorAlerter targets phones; unusable numbers are dropped with a warning.
func NewOperatorAlerter(sender Sender, phones []string, logger *slog.Logger) *OperatorAlerter {
	a := &OperatorAlerter{sender: sender, logger: logger.With("component", "wa_alerts")}
	for _, p := range phones {
		jid, ok := PhoneJID(p)
		if !ok {
			a.logger.Warn("ignoring operator with invalid phone", "phone", p)
			continue
		}
		a.operators = append(a.operators, jid)
	}
	return a
}

func (a *OperatorAlerter) Alert(ctx context.Context, alert notify.Alert) {
	text := formatAlert(alert)
	for _, to := range a.operators {
		if err := a.sender.SendText(ctx, to, text); err != nil {
			a.logger.Warn("deliver alert to operator", "to", to.User, "error", err)
		}
	}
}

func formatAlert(a notify.Alert) string {
	var b strings.Builder
	b.WriteString("ALERT: ")
	b.WriteString(a.Title)
	if a.Detail != "" {
		b.WriteString("\n")
		b.WriteString(a.Detail)
	}
	keys := make([]string, 0, len(a.Attrs))
	for k := range a.Attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "\n%s: %v", k, a.Attrs[k])
	}
	return b.String()
}
