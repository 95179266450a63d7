package wa

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.mau.fi/whatsmeow/types/events"

	"digistore/internal/apperr"
	"digistore/internal/repo"
	"digistore/internal/review"
	"digistore/internal/session"
)

const consoleHelp = "Commands:\n" +
	"pending - list pending transactions\n" +
	"approve <id> - approve a transaction\n" +
	"reject <id> <reason> - reject a transaction"

const pendingListLimit = 10

// Reviewer is the subset of review.Workflow the console drives.
type Reviewer interface {
	Approve(ctx context.Context, sess session.Session, txID string) (*review.Outcome, error)
	Reject(ctx context.Context, sess session.Session, txID, reason string) (*review.Outcome, error)
	ListPending(ctx context.Context, sess session.Session, limit int) ([]repo.Transaction, error)
}

type command struct {
	name   string
	txID   string
	reason string
}

var errUnknownCommand = errors.New("unknown command")

func parseCommand(text string) (command, error) {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return command{}, errUnknownCommand
	}
	name := strings.ToLower(strings.TrimPrefix(fields[0], "/"))
	switch name {
	case "help", "pending":
		return command{name: name}, nil
	case "approve":
		if len(fields) != 2 {
			return command{}, fmt.Errorf("usage: approve <id>")
		}
		txID, err := parseTxID(fields[1])
		if err != nil {
			return command{}, err
		}
		return command{name: name, txID: txID}, nil
	case "reject":
		if len(fields) < 3 {
			return command{}, fmt.Errorf("usage: reject <id> <reason>")
		}
		txID, err := parseTxID(fields[1])
		if err != nil {
			return command{}, err
		}
		return command{name: name, txID: txID, reason: strings.Join(fields[2:], " ")}, nil
	}
	return command{}, errUnknownCommand
}

// parseTxID accepts only UUIDs; anything else cannot name a transaction.
func parseTxID(raw string) (string, error) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("transaction %q: %w", raw, apperr.ErrNotFound)
	}
	return id.String(), nil
}

// Console lets configured operators review transactions from WhatsApp. Each
// operator number acts as one admin profile.
type Console struct {
	sender    Sender
	reviewer  Reviewer
	profiles  ProfileLoader
	operators map[string]string
	logger    *slog.Logger
	timeout   time.Duration
}

// NewConsole maps operator phone numbers to admin profile ids.
func NewConsole(sender Sender, reviewer Reviewer, profiles ProfileLoader, operators map[string]string, logger *slog.Logger) *Console {
	byUser := make(map[string]string, len(operators))
	for phone, profileID := range operators {
		if jid, ok := PhoneJID(phone); ok {
			byUser[jid.User] = profileID
		}
	}
	return &Console{
		sender:    sender,
		reviewer:  reviewer,
		profiles:  profiles,
		operators: byUser,
		logger:    logger.With("component", "wa_console"),
		timeout:   15 * time.Second,
	}
}

// ProcessMessage runs an operator command and replies in the same chat.
// Messages from other numbers are ignored.
func (c *Console) ProcessMessage(ctx context.Context, evt *events.Message) {
	if evt == nil || evt.Info.IsGroup {
		return
	}
	profileID, ok := c.operators[evt.Info.Sender.User]
	if !ok {
		return
	}
	text := messageText(evt.Message)
	if text == "" {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	reply := c.execute(ctx, profileID, text)
	if err := c.sender.SendText(WithReply(ctx, evt), evt.Info.Chat, reply); err != nil {
		c.logger.Warn("reply to operator failed", "to", evt.Info.Sender.User, "error", err)
	}
}

func (c *Console) execute(ctx context.Context, profileID, text string) string {
	cmd, err := parseCommand(text)
	if err != nil {
		switch {
		case errors.Is(err, errUnknownCommand):
			return consoleHelp
		case errors.Is(err, apperr.ErrNotFound):
			return describeError(err)
		}
		return err.Error()
	}

	sess, err := c.session(ctx, profileID)
	if err != nil {
		c.logger.Warn("operator session unavailable", "profile_id", profileID, "error", err)
		return "Your operator account is not an administrator."
	}

	switch cmd.name {
	case "pending":
		list, err := c.reviewer.ListPending(ctx, sess, pendingListLimit)
		if err != nil {
			return describeError(err)
		}
		return formatPending(list)
	case "approve":
		out, err := c.reviewer.Approve(ctx, sess, cmd.txID)
		if err != nil {
			return describeError(err)
		}
		c.logger.Info("operator approved transaction", "tx_id", cmd.txID, "admin_id", sess.UserID)
		return formatOutcome("Approved", out)
	case "reject":
		out, err := c.reviewer.Reject(ctx, sess, cmd.txID, cmd.reason)
		if err != nil {
			return describeError(err)
		}
		c.logger.Info("operator rejected transaction", "tx_id", cmd.txID, "admin_id", sess.UserID)
		return formatOutcome("Rejected", out)
	}
	return consoleHelp
}

func (c *Console) session(ctx context.Context, profileID string) (session.Session, error) {
	p, err := c.profiles.GetProfile(ctx, profileID)
	if err != nil {
		return session.Session{}, err
	}
	sess := session.Session{UserID: p.ID, Role: session.Role(p.Role), Blocked: p.IsBlocked}
	if err := sess.RequireAdmin(); err != nil {
		return session.Session{}, err
	}
	return sess, nil
}

func formatPending(list []repo.Transaction) string {
	if len(list) == 0 {
		return "No pending transactions."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d pending:", len(list))
	for _, tx := range list {
		fmt.Fprintf(&b, "\n%s %s %s FCFA", tx.ID, tx.Type, tx.Amount.String())
		if tx.ExternalReference != nil {
			fmt.Fprintf(&b, " ref %s", *tx.ExternalReference)
		}
	}
	return b.String()
}

func formatOutcome(verb string, out *review.Outcome) string {
	msg := fmt.Sprintf("%s %s %s of %s FCFA.", verb, out.Transaction.Type, out.Transaction.ID, out.Transaction.Amount.String())
	if out.Balance != nil {
		msg += fmt.Sprintf(" New balance: %s FCFA.", out.Balance.String())
	}
	return msg
}

func describeError(err error) string {
	var validation *apperr.ValidationError
	switch {
	case errors.As(err, &validation):
		return validation.Error()
	case errors.Is(err, apperr.ErrAlreadyProcessed):
		return "Already processed."
	case errors.Is(err, apperr.ErrNotFound):
		return "Transaction not found."
	case errors.Is(err, apperr.ErrForbidden), errors.Is(err, apperr.ErrAuthenticationRequired):
		return "Not allowed."
	default:
		return "Something went wrong, please retry."
	}
}
