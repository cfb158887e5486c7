package enforce

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/jpillora/backoff"
	"github.com/rs/zerolog"

	"github.com/EcclahNdege/securewatch/pkg/config"
	"github.com/EcclahNdege/securewatch/pkg/errors"
	"github.com/EcclahNdege/securewatch/pkg/events"
	"github.com/EcclahNdege/securewatch/pkg/metrics"
	"github.com/EcclahNdege/securewatch/pkg/model"
	"github.com/EcclahNdege/securewatch/pkg/store"
)

// lockedMode removes every permission bit, which is how a locked file denies
// access to non-root users.
const lockedMode = os.FileMode(0000)

// Controller executes enforcement actions against the OS. Callers hold the
// relevant partition lock while a controller method runs; the controller
// itself keeps no protected state. Every action writes exactly one security
// log entry, success or failure, and never mutates store state after a
// failed OS primitive.
type Controller struct {
	backend    FirewallBackend
	store      *store.Store
	bus        *events.Bus
	logger     zerolog.Logger
	timeout    time.Duration
	maxRetries int
	qdir       string
}

// NewController wires an enforcement controller.
func NewController(cfg config.EnforceConfig, backend FirewallBackend, st *store.Store, bus *events.Bus, logger zerolog.Logger) *Controller {
	return &Controller{
		backend:    backend,
		store:      st,
		bus:        bus,
		logger:     logger.With().Str("component", "enforce").Logger(),
		timeout:    cfg.Timeout,
		maxRetries: cfg.MaxRetries,
		qdir:       cfg.QuarantineDir,
	}
}

// Backend exposes the wired firewall backend for reconciliation reads.
func (c *Controller) Backend() FirewallBackend { return c.backend }

// withTimeout bounds an OS call so a wedged primitive cannot stall the
// watcher goroutine that triggered it.
func (c *Controller) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.timeout)
}

// retry runs fn with exponential backoff. Validation and not-found failures
// are permanent and returned immediately; anything else is retried up to the
// configured attempt count.
func (c *Controller) retry(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	b := &backoff.Backoff{Min: 100 * time.Millisecond, Max: 2 * time.Second, Jitter: true}
	var err error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		callCtx, cancel := c.withTimeout(ctx)
		err = fn(callCtx)
		cancel()
		if err == nil {
			return nil
		}
		switch errors.KindOf(err) {
		case errors.KindValidation, errors.KindNotFound, errors.KindConflict:
			return err
		}
		if attempt == c.maxRetries {
			break
		}
		d := b.Duration()
		c.logger.Warn().Err(err).Str("op", op).Int("attempt", attempt+1).Dur("backoff", d).Msg("Enforcement attempt failed, retrying")
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return errors.Enforcement(op, ctx.Err(), "cancelled while retrying")
		}
	}
	return err
}

// logAction records the one audit entry every enforcement action owes,
// regardless of outcome, and publishes it to the event bus.
func (c *Controller) logAction(userID, message, details string, actionErr error) {
	level := model.LogInfo
	if actionErr != nil {
		level = model.LogError
		details = fmt.Sprintf("%s: %v", details, actionErr)
	}
	entry := &model.LogEntry{
		Level:    level,
		Category: model.CategorySecurity,
		Message:  message,
		Details:  details,
		UserID:   userID,
	}
	if err := c.store.CreateLog(entry); err != nil {
		c.logger.Error().Err(err).Str("message", message).Msg("Failed to persist security log entry")
		return
	}
	c.bus.Publish(events.TopicNewLog, entry)
}

// LockFile removes all permission bits from path and returns the prior mode
// so an unlock can restore it. Locking an already locked file succeeds
// without touching the saved mode.
func (c *Controller) LockFile(ctx context.Context, path, reason, userID string) (prior uint32, err error) {
	defer func() {
		c.logAction(userID, fmt.Sprintf("File locked: %s", path), reason, err)
		if err != nil {
			metrics.EnforcementFailures.WithLabelValues("lock_file").Inc()
		}
	}()

	info, statErr := os.Stat(path)
	if statErr != nil {
		if os.IsNotExist(statErr) {
			return 0, errors.NotFound("enforce.LockFile", "no such path: %s", path)
		}
		return 0, errors.Enforcement("enforce.LockFile", statErr, "stat %s", path)
	}
	mode := info.Mode().Perm()
	if mode == lockedMode {
		// Already locked. Report the zero mode so callers do not clobber a
		// previously saved one.
		return uint32(lockedMode), nil
	}
	err = c.retry(ctx, "enforce.LockFile", func(ctx context.Context) error {
		if chErr := os.Chmod(path, lockedMode); chErr != nil {
			return errors.Enforcement("enforce.LockFile", chErr, "chmod %s", path)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return uint32(mode), nil
}

// UnlockFile restores the permission bits saved when the file was locked.
// A zero prior mode falls back to 0644 so an unlock never leaves the file
// unreadable.
func (c *Controller) UnlockFile(ctx context.Context, path string, prior uint32, userID string) (err error) {
	defer func() {
		c.logAction(userID, fmt.Sprintf("File unlocked: %s", path), "", err)
		if err != nil {
			metrics.EnforcementFailures.WithLabelValues("unlock_file").Inc()
		}
	}()

	mode := os.FileMode(prior)
	if mode == lockedMode {
		mode = 0644
	}
	err = c.retry(ctx, "enforce.UnlockFile", func(ctx context.Context) error {
		if chErr := os.Chmod(path, mode); chErr != nil {
			if os.IsNotExist(chErr) {
				return errors.NotFound("enforce.UnlockFile", "no such path: %s", path)
			}
			return errors.Enforcement("enforce.UnlockFile", chErr, "chmod %s", path)
		}
		return nil
	})
	return err
}

// QuarantineFile moves path into the quarantine directory and persists a
// record of the move. The record is only written once the file is safely
// relocated.
func (c *Controller) QuarantineFile(ctx context.Context, path, reason, userID string) (qf *model.QuarantinedFile, err error) {
	defer func() {
		c.logAction(userID, fmt.Sprintf("File quarantined: %s", path), reason, err)
		if err != nil {
			metrics.EnforcementFailures.WithLabelValues("quarantine_file").Inc()
		}
	}()

	info, statErr := os.Stat(path)
	if statErr != nil {
		if os.IsNotExist(statErr) {
			return nil, errors.NotFound("enforce.QuarantineFile", "no such path: %s", path)
		}
		return nil, errors.Enforcement("enforce.QuarantineFile", statErr, "stat %s", path)
	}
	if info.IsDir() {
		return nil, errors.Validation("enforce.QuarantineFile", "cannot quarantine a directory: %s", path)
	}

	if mkErr := os.MkdirAll(c.qdir, 0700); mkErr != nil {
		err = errors.Enforcement("enforce.QuarantineFile", mkErr, "create quarantine dir %s", c.qdir)
		return nil, err
	}
	id := uuid.NewString()
	dest := filepath.Join(c.qdir, id+"_"+filepath.Base(path))

	err = c.retry(ctx, "enforce.QuarantineFile", func(ctx context.Context) error {
		if mvErr := moveFile(path, dest); mvErr != nil {
			return errors.Enforcement("enforce.QuarantineFile", mvErr, "move %s to %s", path, dest)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	qf = &model.QuarantinedFile{
		ID:             id,
		OriginalPath:   path,
		QuarantinePath: dest,
		Size:           info.Size(),
		Reason:         reason,
	}
	if dbErr := c.store.CreateQuarantinedFile(qf); dbErr != nil {
		// The file is already in quarantine; move it back so state and disk
		// stay consistent.
		if undoErr := moveFile(dest, path); undoErr != nil {
			c.logger.Error().Err(undoErr).Str("path", path).Msg("Failed to undo quarantine move after store error")
		}
		err = dbErr
		return nil, err
	}
	return qf, nil
}

// RestoreQuarantinedFile moves a quarantined file back to its original path
// and removes the record. Terminal: the record is gone afterwards.
func (c *Controller) RestoreQuarantinedFile(ctx context.Context, id, userID string) (err error) {
	qf, getErr := c.store.GetQuarantinedFile(id)
	if getErr != nil {
		return getErr
	}
	defer func() {
		c.logAction(userID, fmt.Sprintf("Quarantined file restored: %s", qf.OriginalPath), qf.Reason, err)
		if err != nil {
			metrics.EnforcementFailures.WithLabelValues("restore_file").Inc()
		}
	}()

	err = c.retry(ctx, "enforce.RestoreQuarantinedFile", func(ctx context.Context) error {
		if mvErr := moveFile(qf.QuarantinePath, qf.OriginalPath); mvErr != nil {
			return errors.Enforcement("enforce.RestoreQuarantinedFile", mvErr, "restore %s", qf.OriginalPath)
		}
		return nil
	})
	if err != nil {
		return err
	}
	return c.store.DeleteQuarantinedFile(id)
}

// DeleteQuarantinedFile removes a quarantined file from disk and its record.
func (c *Controller) DeleteQuarantinedFile(ctx context.Context, id, userID string) (err error) {
	qf, getErr := c.store.GetQuarantinedFile(id)
	if getErr != nil {
		return getErr
	}
	defer func() {
		c.logAction(userID, fmt.Sprintf("Quarantined file deleted: %s", qf.OriginalPath), qf.Reason, err)
		if err != nil {
			metrics.EnforcementFailures.WithLabelValues("delete_file").Inc()
		}
	}()

	if rmErr := os.Remove(qf.QuarantinePath); rmErr != nil && !os.IsNotExist(rmErr) {
		err = errors.Enforcement("enforce.DeleteQuarantinedFile", rmErr, "remove %s", qf.QuarantinePath)
		return err
	}
	return c.store.DeleteQuarantinedFile(id)
}

// QuarantinePacket records a diverted packet. There is no OS side to this
// action; the watcher already withheld delivery.
func (c *Controller) QuarantinePacket(ctx context.Context, pkt model.Packet, reason string) (qp *model.QuarantinedPacket, err error) {
	defer func() {
		c.logAction("", fmt.Sprintf("Packet quarantined from %s", pkt.SourceAddr()), reason, err)
		if err != nil {
			metrics.EnforcementFailures.WithLabelValues("quarantine_packet").Inc()
		}
	}()

	qp = &model.QuarantinedPacket{
		Source:      pkt.SourceAddr(),
		Destination: pkt.DestinationAddr(),
		Protocol:    pkt.Protocol,
		Port:        pkt.DstPort,
		Size:        pkt.Size,
		Reason:      reason,
	}
	if err = c.store.CreateQuarantinedPacket(qp); err != nil {
		return nil, err
	}
	return qp, nil
}

// ReleaseQuarantinedPacket removes a held packet's record, letting it go
// unenforced. Terminal, like delete.
func (c *Controller) ReleaseQuarantinedPacket(ctx context.Context, id, userID string, release bool) (err error) {
	qp, getErr := c.store.GetQuarantinedPacket(id)
	if getErr != nil {
		return getErr
	}
	verb := "deleted"
	if release {
		verb = "released"
	}
	defer func() {
		c.logAction(userID, fmt.Sprintf("Quarantined packet %s: %s", verb, qp.Source), qp.Reason, err)
	}()
	return c.store.DeleteQuarantinedPacket(id)
}

// EnableFirewall turns on enforcement at the backend.
func (c *Controller) EnableFirewall(ctx context.Context, userID string) (err error) {
	defer func() {
		c.logAction(userID, "Firewall enabled", "", err)
		if err != nil {
			metrics.EnforcementFailures.WithLabelValues("firewall_enable").Inc()
		}
	}()
	return c.retry(ctx, "enforce.EnableFirewall", c.backend.Enable)
}

// DisableFirewall turns off enforcement at the backend.
func (c *Controller) DisableFirewall(ctx context.Context, userID string) (err error) {
	defer func() {
		c.logAction(userID, "Firewall disabled", "", err)
		if err != nil {
			metrics.EnforcementFailures.WithLabelValues("firewall_disable").Inc()
		}
	}()
	return c.retry(ctx, "enforce.DisableFirewall", c.backend.Disable)
}

// ReloadFirewall re-applies the backend rule set and returns the resulting
// ground truth for reconciliation.
func (c *Controller) ReloadFirewall(ctx context.Context, userID string) (rules []model.FirewallRule, err error) {
	defer func() {
		c.logAction(userID, "Firewall reloaded", "", err)
		if err != nil {
			metrics.EnforcementFailures.WithLabelValues("firewall_reload").Inc()
		}
	}()
	if err = c.retry(ctx, "enforce.ReloadFirewall", c.backend.Reload); err != nil {
		return nil, err
	}
	callCtx, cancel := c.withTimeout(ctx)
	defer cancel()
	return c.backend.ListRules(callCtx)
}

// FirewallStatus reports whether the backend is enforcing.
func (c *Controller) FirewallStatus(ctx context.Context) (bool, string, error) {
	callCtx, cancel := c.withTimeout(ctx)
	defer cancel()
	return c.backend.Status(callCtx)
}

// ApplyRule installs a rule at the backend. State persistence belongs to the
// policy engine; this only touches the OS and the audit log.
func (c *Controller) ApplyRule(ctx context.Context, rule model.FirewallRule, userID string) (err error) {
	defer func() {
		c.logAction(userID, fmt.Sprintf("Firewall rule applied: %s", describeRule(rule)), rule.Description, err)
		if err != nil {
			metrics.EnforcementFailures.WithLabelValues("apply_rule").Inc()
		}
	}()
	return c.retry(ctx, "enforce.ApplyRule", func(ctx context.Context) error {
		return c.backend.ApplyRule(ctx, rule)
	})
}

// RemoveRule deletes the rule at the given backend position.
func (c *Controller) RemoveRule(ctx context.Context, rule model.FirewallRule, userID string) (err error) {
	defer func() {
		c.logAction(userID, fmt.Sprintf("Firewall rule removed: %s", describeRule(rule)), rule.Description, err)
		if err != nil {
			metrics.EnforcementFailures.WithLabelValues("remove_rule").Inc()
		}
	}()
	return c.retry(ctx, "enforce.RemoveRule", func(ctx context.Context) error {
		return c.backend.RemoveRule(ctx, rule.Number)
	})
}

// SetDefaultPolicy pushes a global policy mode to the backend.
func (c *Controller) SetDefaultPolicy(ctx context.Context, policy model.FirewallPolicy, userID string) (err error) {
	defer func() {
		c.logAction(userID, fmt.Sprintf("Firewall policy set to %s", policy), "", err)
		if err != nil {
			metrics.EnforcementFailures.WithLabelValues("set_policy").Inc()
		}
	}()
	return c.retry(ctx, "enforce.SetDefaultPolicy", func(ctx context.Context) error {
		return c.backend.SetDefaultPolicy(ctx, policy)
	})
}

func describeRule(r model.FirewallRule) string {
	switch {
	case r.Source != "":
		return fmt.Sprintf("%s from %s", r.Action, r.Source)
	case r.Port != 0 && r.Protocol != "":
		return fmt.Sprintf("%s %d/%s", r.Action, r.Port, r.Protocol)
	case r.Port != 0:
		return fmt.Sprintf("%s %d", r.Action, r.Port)
	default:
		return fmt.Sprintf("%s %s", r.Action, r.Protocol)
	}
}

// moveFile renames, falling back to copy plus remove for cross-device moves.
func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	info, err := in.Stat()
	if err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Remove(src)
}
