package model

import (
	"fmt"

	"aerosol/internal/vaultpath"
)

type User struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	RefreshEpoch int64  `json:"refreshEpoch"`
	CreatedAt    int64  `json:"createdAt"`
}

type RegistrationToken struct {
	Value    string `json:"value"`
	IssuedAt int64  `json:"issuedAt"`
}

// Vault holds the credential that guards registration token issuance.
type Vault struct {
	Name         string `json:"name"`
	PasswordHash []byte `json:"passwordHash"`
	PasswordSalt []byte `json:"passwordSalt"`
	CreatedAt    int64  `json:"createdAt"`
}

type OpKind int

const (
	OpUpload OpKind = iota + 1
	OpDownload
	OpDelete
	OpRename
)

func (k OpKind) String() string {
	switch k {
	case OpUpload:
		return "upload"
	case OpDownload:
		return "download"
	case OpDelete:
		return "delete"
	case OpRename:
		return "rename"
	default:
		return fmt.Sprintf("OpKind(%d)", int(k))
	}
}

// SyncOp is one reconciliation step. NewPath is only set for OpRename.
type SyncOp struct {
	Kind    OpKind
	Path    vaultpath.Path
	NewPath vaultpath.Path
}

func Upload(p vaultpath.Path) SyncOp   { return SyncOp{Kind: OpUpload, Path: p} }
func Download(p vaultpath.Path) SyncOp { return SyncOp{Kind: OpDownload, Path: p} }
func Delete(p vaultpath.Path) SyncOp   { return SyncOp{Kind: OpDelete, Path: p} }

func Rename(oldPath, newPath vaultpath.Path) SyncOp {
	return SyncOp{Kind: OpRename, Path: oldPath, NewPath: newPath}
}

func (op SyncOp) String() string {
	if op.Kind == OpRename {
		return fmt.Sprintf("%s(%s -> %s)", op.Kind, op.Path, op.NewPath)
	}
	return fmt.Sprintf("%s(%s)", op.Kind, op.Path)
}

type EventKind int

const (
	EventCreate EventKind = iota + 1
	EventModify
	EventDelete
	EventRename
)

func (k EventKind) String() string {
	switch k {
	case EventCreate:
		return "create"
	case EventModify:
		return "modify"
	case EventDelete:
		return "delete"
	case EventRename:
		return "rename"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// FileEvent is a local file-system change. OldPath is only set for
// EventRename.
type FileEvent struct {
	Kind    EventKind
	Path    vaultpath.Path
	OldPath vaultpath.Path
}

// Op maps a file event to the remote operation it triggers.
func (e FileEvent) Op() SyncOp {
	switch e.Kind {
	case EventDelete:
		return Delete(e.Path)
	case EventRename:
		return Rename(e.OldPath, e.Path)
	default:
		return Upload(e.Path)
	}
}

// VaultChange is pushed to connected clients after a server-side mutation.
type VaultChange struct {
	Type     string `json:"type"`
	Path     string `json:"path,omitempty"`
	Checksum string `json:"checksum"`
}

const VaultChangedType = "vault-changed"
