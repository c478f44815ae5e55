package logx

import (
	"context"

	"pkt.systems/pslog"
	"pkt.systems/tabkeeper/schema"
)

type contextKey int

const (
	storageKey contextKey = iota
	tabKey
)

// Ctx returns the logger bound to the provided context.
func Ctx(ctx context.Context) pslog.Logger {
	if ctx == nil {
		ctx = context.Background()
	}
	return pslog.Ctx(ctx)
}

// WithStorageKey annotates the logger with the storage key if present.
func WithStorageKey(ctx context.Context, key schema.StorageKey) pslog.Logger {
	log := Ctx(ctx)
	if key != "" {
		if ctx != nil {
			if current, ok := ctx.Value(storageKey).(schema.StorageKey); ok && current == key {
				return log
			}
		}
		log = log.With("storage_key", key)
	}
	return log
}

// WithKeyTab annotates the logger with storage key and tab identifiers.
func WithKeyTab(ctx context.Context, key schema.StorageKey, tabID schema.TabID) pslog.Logger {
	log := WithStorageKey(ctx, key)
	if tabID != "" {
		if ctx != nil {
			if current, ok := ctx.Value(tabKey).(schema.TabID); ok && current == tabID {
				return log
			}
		}
		log = log.With("tab", tabID)
	}
	return log
}

// WithTab annotates an existing logger with tab metadata when available.
func WithTab(log pslog.Logger, tab schema.Tab) pslog.Logger {
	if tab.ID != "" {
		log = log.With("tab", tab.ID)
	}
	if tab.Pathname != "" {
		log = log.With("pathname", tab.Pathname)
	}
	if id := tab.ResourceID(); id != "" {
		log = log.With("resource_id", id)
	}
	return log
}

// ContextWithStorageKey stores the storage key marker on the context for log de-duplication.
func ContextWithStorageKey(ctx context.Context, key schema.StorageKey) context.Context {
	if ctx == nil || key == "" {
		return ctx
	}
	return context.WithValue(ctx, storageKey, key)
}

// ContextWithTab stores the tab marker on the context for log de-duplication.
func ContextWithTab(ctx context.Context, tabID schema.TabID) context.Context {
	if ctx == nil || tabID == "" {
		return ctx
	}
	return context.WithValue(ctx, tabKey, tabID)
}

// ContextWithKeyLogger attaches the logger and storage key marker to the context.
func ContextWithKeyLogger(ctx context.Context, log pslog.Logger, key schema.StorageKey) context.Context {
	ctx = pslog.ContextWithLogger(ctx, log)
	return ContextWithStorageKey(ctx, key)
}

// ContextWithKeyTabLogger attaches the logger and storage key/tab markers to the context.
func ContextWithKeyTabLogger(ctx context.Context, log pslog.Logger, key schema.StorageKey, tabID schema.TabID) context.Context {
	ctx = pslog.ContextWithLogger(ctx, log)
	return ContextWithTab(ContextWithStorageKey(ctx, key), tabID)
}

// DetachContext returns a background context carrying the logger and markers of src.
func DetachContext(src context.Context) context.Context {
	dst := context.Background()
	if src == nil {
		return dst
	}
	dst = pslog.ContextWithLogger(dst, pslog.Ctx(src))
	if key, ok := src.Value(storageKey).(schema.StorageKey); ok && key != "" {
		dst = ContextWithStorageKey(dst, key)
	}
	if tab, ok := src.Value(tabKey).(schema.TabID); ok && tab != "" {
		dst = ContextWithTab(dst, tab)
	}
	return dst
}
