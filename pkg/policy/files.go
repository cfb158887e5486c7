package policy

import (
	"context"
	"fmt"
	"time"

	"github.com/EcclahNdege/securewatch/pkg/errors"
	"github.com/EcclahNdege/securewatch/pkg/events"
	"github.com/EcclahNdege/securewatch/pkg/metrics"
	"github.com/EcclahNdege/securewatch/pkg/model"
)

// FileAccessOp is what the watcher observed happen to a protected path.
type FileAccessOp string

const (
	FileOpRead   FileAccessOp = "read"
	FileOpWrite  FileAccessOp = "write"
	FileOpDelete FileAccessOp = "delete"
	FileOpMove   FileAccessOp = "move"
)

// AddProtectedFile puts a path under watch. Re-adding an already protected
// path is a conflict.
func (e *Engine) AddProtectedFile(path string, kind model.FileKind, settings model.FileSettings, userID string) (*model.ProtectedFile, error) {
	if _, err := e.authorize("policy.AddProtectedFile", userID, true); err != nil {
		return nil, err
	}
	if path == "" {
		return nil, errors.Validation("policy.AddProtectedFile", "empty path")
	}
	if kind != model.KindFile && kind != model.KindDirectory {
		return nil, errors.Validation("policy.AddProtectedFile", "unknown file kind %q", kind)
	}

	e.filesMu.Lock()
	defer e.filesMu.Unlock()

	if existing, err := e.store.GetProtectedFileByPath(path); err == nil && existing != nil {
		return nil, errors.Conflict("policy.AddProtectedFile", "path %s is already protected", path)
	} else if err != nil && !errors.IsKind(err, errors.KindNotFound) {
		return nil, err
	}

	pf := &model.ProtectedFile{
		Path:         path,
		Kind:         kind,
		Status:       model.FileProtected,
		FileSettings: settings,
	}
	if err := e.store.CreateProtectedFile(pf); err != nil {
		return nil, err
	}
	e.logSecurity(model.LogInfo, "File protection added: "+path, string(kind), userID)
	e.bus.Publish(events.TopicFileEvent, pf)
	return pf, nil
}

// RemoveProtectedFile drops a path from watch entirely. A locked file is
// unlocked first so the permission bits are not stranded.
func (e *Engine) RemoveProtectedFile(ctx context.Context, id, userID string) error {
	if _, err := e.authorize("policy.RemoveProtectedFile", userID, true); err != nil {
		return err
	}
	e.filesMu.Lock()
	defer e.filesMu.Unlock()

	pf, err := e.store.GetProtectedFile(id)
	if err != nil {
		return err
	}
	if pf.Status == model.FileLocked {
		if err := e.enforcer.UnlockFile(ctx, pf.Path, pf.PriorMode, userID); err != nil && !errors.IsKind(err, errors.KindNotFound) {
			return err
		}
	}
	if err := e.store.DeleteProtectedFile(id); err != nil {
		return err
	}
	e.logSecurity(model.LogInfo, "File protection removed: "+pf.Path, "", userID)
	e.bus.Publish(events.TopicFileEvent, pf)
	return nil
}

// LockFile is the explicit lock command. It always records the supplied
// reason, even when the file is already locked.
func (e *Engine) LockFile(ctx context.Context, id, reason, userID string) (*model.ProtectedFile, error) {
	if _, err := e.authorize("policy.LockFile", userID, true); err != nil {
		return nil, err
	}
	if reason == "" {
		return nil, errors.Validation("policy.LockFile", "a lock reason is required")
	}
	e.filesMu.Lock()
	defer e.filesMu.Unlock()
	return e.lockLocked(ctx, id, reason, userID, true)
}

// lockLocked performs the lock under an already held files lock. explicit
// distinguishes an operator command from a policy trigger: only the former
// overwrites the reason on an already locked file.
func (e *Engine) lockLocked(ctx context.Context, id, reason, userID string, explicit bool) (*model.ProtectedFile, error) {
	pf, err := e.store.GetProtectedFile(id)
	if err != nil {
		return nil, err
	}
	if pf.Status == model.FileLocked {
		if !explicit {
			return pf, nil
		}
		pf.LockReason = reason
		if err := e.store.UpdateProtectedFile(pf); err != nil {
			return nil, err
		}
		return pf, nil
	}

	prior, err := e.enforcer.LockFile(ctx, pf.Path, reason, userID)
	if err != nil {
		return nil, err
	}
	pf.Status = model.FileLocked
	pf.LockReason = reason
	if prior != 0 {
		pf.PriorMode = prior
	}
	if err := e.store.UpdateProtectedFile(pf); err != nil {
		return nil, err
	}
	e.bus.Publish(events.TopicFileEvent, pf)
	return pf, nil
}

// UnlockFile authorizes a file: locked files get their permission bits back,
// protected files are simply marked authorized. Unlocking an authorized file
// is a conflict.
func (e *Engine) UnlockFile(ctx context.Context, id, userID string) (*model.ProtectedFile, error) {
	if _, err := e.authorize("policy.UnlockFile", userID, true); err != nil {
		return nil, err
	}
	e.filesMu.Lock()
	defer e.filesMu.Unlock()

	pf, err := e.store.GetProtectedFile(id)
	if err != nil {
		return nil, err
	}
	switch pf.Status {
	case model.FileAuthorized:
		return nil, errors.Conflict("policy.UnlockFile", "file %s is not locked", pf.Path)
	case model.FileLocked:
		if err := e.enforcer.UnlockFile(ctx, pf.Path, pf.PriorMode, userID); err != nil {
			return nil, err
		}
	}
	pf.Status = model.FileAuthorized
	pf.LockReason = ""
	pf.PriorMode = 0
	if err := e.store.UpdateProtectedFile(pf); err != nil {
		return nil, err
	}
	e.bus.Publish(events.TopicFileEvent, pf)
	return pf, nil
}

// UpdateFileSettings replaces the alert settings on a protected file.
func (e *Engine) UpdateFileSettings(id string, settings model.FileSettings, userID string) (*model.ProtectedFile, error) {
	if _, err := e.authorize("policy.UpdateFileSettings", userID, true); err != nil {
		return nil, err
	}
	e.filesMu.Lock()
	defer e.filesMu.Unlock()

	pf, err := e.store.GetProtectedFile(id)
	if err != nil {
		return nil, err
	}
	pf.FileSettings = settings
	if err := e.store.UpdateProtectedFile(pf); err != nil {
		return nil, err
	}
	e.bus.Publish(events.TopicFileEvent, pf)
	return pf, nil
}

// ListProtectedFiles proxies the store listing.
func (e *Engine) ListProtectedFiles(status model.FileStatus) ([]model.ProtectedFile, error) {
	return e.store.ListProtectedFiles(status)
}

// HandleFileAccess evaluates one observed access on a protected path. The
// attempt counter always advances; whether an alert is raised and whether
// the file auto-locks depend on the file's settings. Authorized files keep
// counting but never alert.
func (e *Engine) HandleFileAccess(ctx context.Context, path string, op FileAccessOp) error {
	e.filesMu.Lock()
	pf, err := e.store.GetProtectedFileByPath(path)
	if err != nil {
		e.filesMu.Unlock()
		return err
	}

	now := time.Now()
	pf.AccessAttempts++
	pf.LastAccessed = &now
	if err := e.store.UpdateProtectedFile(pf); err != nil {
		e.filesMu.Unlock()
		return err
	}
	metrics.FileEvents.WithLabelValues(string(op)).Inc()

	severity, alerting := accessSeverity(pf, op)
	autoLock := pf.AutoLock && pf.Status == model.FileProtected && (op == FileOpWrite || op == FileOpDelete || op == FileOpMove)
	var lockErr error
	if autoLock {
		reason := fmt.Sprintf("Automatic lock: %s detected on %s", op, path)
		_, lockErr = e.lockLocked(ctx, pf.ID, reason, "", false)
	}
	e.filesMu.Unlock()

	e.bus.Publish(events.TopicFileEvent, pf)

	if alerting {
		title := fmt.Sprintf("Unauthorized %s on protected path", op)
		desc := fmt.Sprintf("Observed %s on %s (attempt %d)", op, path, pf.AccessAttempts)
		if _, err := e.RaiseAlert(model.AlertFile, severity, title, desc, path); err != nil {
			return err
		}
	}
	return lockErr
}

// accessSeverity maps an access op to an alert severity, honoring the file's
// per-op alert switches. Authorized files never alert.
func accessSeverity(pf *model.ProtectedFile, op FileAccessOp) (model.AlertSeverity, bool) {
	if pf.Status == model.FileAuthorized {
		return "", false
	}
	switch op {
	case FileOpDelete, FileOpMove:
		return model.SeverityCritical, pf.AlertOnDelete
	case FileOpWrite:
		return model.SeverityWarning, pf.AlertOnWrite
	case FileOpRead:
		return model.SeverityInfo, pf.AlertOnRead
	}
	return "", false
}

// ReleaseQuarantinedPacket lets a held packet go. Terminal either way.
func (e *Engine) ReleaseQuarantinedPacket(ctx context.Context, id, userID string) error {
	if _, err := e.authorize("policy.ReleaseQuarantinedPacket", userID, true); err != nil {
		return err
	}
	e.quarantineMu.Lock()
	defer e.quarantineMu.Unlock()
	return e.enforcer.ReleaseQuarantinedPacket(ctx, id, userID, true)
}

// DeleteQuarantinedPacket discards a held packet permanently.
func (e *Engine) DeleteQuarantinedPacket(ctx context.Context, id, userID string) error {
	if _, err := e.authorize("policy.DeleteQuarantinedPacket", userID, true); err != nil {
		return err
	}
	e.quarantineMu.Lock()
	defer e.quarantineMu.Unlock()
	return e.enforcer.ReleaseQuarantinedPacket(ctx, id, userID, false)
}

// ListQuarantinedPackets proxies the store listing.
func (e *Engine) ListQuarantinedPackets(offset, limit int) ([]model.QuarantinedPacket, error) {
	return e.store.ListQuarantinedPackets(offset, limit)
}

// QuarantineFile moves a file into quarantine on operator request.
func (e *Engine) QuarantineFile(ctx context.Context, path, reason, userID string) (*model.QuarantinedFile, error) {
	if _, err := e.authorize("policy.QuarantineFile", userID, true); err != nil {
		return nil, err
	}
	e.quarantineMu.Lock()
	defer e.quarantineMu.Unlock()
	return e.enforcer.QuarantineFile(ctx, path, reason, userID)
}

// RestoreQuarantinedFile returns a quarantined file to its original path.
func (e *Engine) RestoreQuarantinedFile(ctx context.Context, id, userID string) error {
	if _, err := e.authorize("policy.RestoreQuarantinedFile", userID, true); err != nil {
		return err
	}
	e.quarantineMu.Lock()
	defer e.quarantineMu.Unlock()
	return e.enforcer.RestoreQuarantinedFile(ctx, id, userID)
}

// DeleteQuarantinedFile removes a quarantined file permanently.
func (e *Engine) DeleteQuarantinedFile(ctx context.Context, id, userID string) error {
	if _, err := e.authorize("policy.DeleteQuarantinedFile", userID, true); err != nil {
		return err
	}
	e.quarantineMu.Lock()
	defer e.quarantineMu.Unlock()
	return e.enforcer.DeleteQuarantinedFile(ctx, id, userID)
}

// ListQuarantinedFiles proxies the store listing.
func (e *Engine) ListQuarantinedFiles() ([]model.QuarantinedFile, error) {
	return e.store.ListQuarantinedFiles()
}
