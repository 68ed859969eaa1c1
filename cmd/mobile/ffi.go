// Package main is the FFI bridge for mobile platforms. Built as a
// shared library (libpracticesync.so on Android, a framework on iOS)
// and called over Dart FFI. The mobile shell gets the same offline
// stack as the desktop companion process: local store, mutation queue,
// and background sync, without the localhost HTTP surface.
package main

/*
#include <stdlib.h>
*/
import "C"
import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	gosync "sync"
	"unsafe"

	"github.com/kimhsiao/practicesync/backend/internal/config"
	"github.com/kimhsiao/practicesync/backend/internal/crypto"
	"github.com/kimhsiao/practicesync/backend/internal/data"
	"github.com/kimhsiao/practicesync/backend/internal/db"
	"github.com/kimhsiao/practicesync/backend/internal/db/migrations"
	apperrors "github.com/kimhsiao/practicesync/backend/internal/errors"
	"github.com/kimhsiao/practicesync/backend/internal/models"
	"github.com/kimhsiao/practicesync/backend/internal/netmon"
	"github.com/kimhsiao/practicesync/backend/internal/queue"
	"github.com/kimhsiao/practicesync/backend/internal/remote"
	"github.com/kimhsiao/practicesync/backend/internal/store"
	enginesync "github.com/kimhsiao/practicesync/backend/internal/sync"
)

var (
	mu       gosync.Mutex
	database *db.DB
	service  *data.Service
	engine   *enginesync.Engine
	monitor  *netmon.Monitor
	mq       *queue.Queue
	tenantID string

	lastMu  gosync.RWMutex
	lastErr string
)

func setLastError(err error) {
	lastMu.Lock()
	defer lastMu.Unlock()
	lastErr = err.Error()
}

func currentService() *data.Service {
	mu.Lock()
	defer mu.Unlock()
	return service
}

func jsonResult(v interface{}) *C.char {
	data, err := json.Marshal(v)
	if err != nil {
		setLastError(fmt.Errorf("serialize result: %w", err))
		return nil
	}
	return C.CString(string(data))
}

//export Initialize
// Initialize opens the local database and builds the sync stack.
// configJSON carries the same fields as the desktop YAML file. Returns
// 0 on success.
func Initialize(configJSON *C.char) C.int {
	mu.Lock()
	defer mu.Unlock()
	if service != nil {
		return 0
	}

	cfg := config.Default()
	if configJSON != nil {
		if err := json.Unmarshal([]byte(C.GoString(configJSON)), cfg); err != nil {
			setLastError(fmt.Errorf("parse config: %w", err))
			return 1
		}
	}
	if err := cfg.Session.Validate(); err != nil {
		setLastError(err)
		return 1
	}

	var err error
	database, err = db.Open(cfg.DataDir)
	if err != nil {
		setLastError(err)
		return 1
	}

	migrator := db.NewMigrator(database.DB, migrations.Files)
	if err := migrator.Initialize(); err != nil {
		setLastError(err)
		return 1
	}
	if err := migrator.Up(); err != nil {
		setLastError(err)
		return 1
	}

	entityStore := store.NewSQLiteStore(database.DB)
	mq = queue.New(database.DB,
		queue.Backoff{Base: cfg.BackoffBase(), Max: cfg.BackoffMax()},
		cfg.Sync.MaxAttempts)
	if _, err := mq.ResetProcessing(); err != nil {
		setLastError(err)
		return 1
	}

	repo := db.NewRepository(database.DB)
	tokenFn := func() (string, error) {
		cred, err := repo.GetCredential()
		if err != nil || cred == nil {
			return "", err
		}
		return crypto.DecryptToken(cred.TokenEncrypted, cfg.MachineID)
	}
	backend := remote.NewHTTPClient(cfg.Remote.BaseURL, cfg.Remote.ProbePath, tokenFn,
		&http.Client{Timeout: cfg.RemoteTimeout()})

	monitor = netmon.New(backend, cfg.ProbeInterval())
	service = data.New(entityStore, mq, backend, monitor, nil, cfg.Session)
	engine = enginesync.New(mq, entityStore, backend, monitor, nil, service, nil,
		enginesync.Options{Concurrency: cfg.Sync.Concurrency})
	service.AttachEngine(engine)
	tenantID = cfg.Session.TenantID
	return 0
}

//export Shutdown
// Shutdown closes the database. Initialize may be called again.
func Shutdown() {
	mu.Lock()
	defer mu.Unlock()
	if database != nil {
		database.Close()
	}
	database = nil
	service = nil
	engine = nil
	monitor = nil
	mq = nil
}

//export LastError
// LastError returns the last error message. Free with FreeString.
func LastError() *C.char {
	lastMu.RLock()
	defer lastMu.RUnlock()
	return C.CString(lastErr)
}

//export EntityCreate
// EntityCreate stores a new entity and queues its creation. Returns the
// record as JSON, or NULL on error. Free with FreeString.
func EntityCreate(entityType, payload *C.char) *C.char {
	svc := currentService()
	if svc == nil {
		setLastError(apperrors.New(apperrors.ErrInternal, "not initialized"))
		return nil
	}
	rec, err := svc.Collection(C.GoString(entityType)).Create(
		context.Background(), json.RawMessage(C.GoString(payload)))
	if err != nil {
		setLastError(err)
		return nil
	}
	return jsonResult(rec)
}

//export EntityGet
// EntityGet reads one entity. Free the result with FreeString.
func EntityGet(entityType, id *C.char) *C.char {
	svc := currentService()
	if svc == nil {
		setLastError(apperrors.New(apperrors.ErrInternal, "not initialized"))
		return nil
	}
	rec, err := svc.Collection(C.GoString(entityType)).Get(
		context.Background(), C.GoString(id))
	if err != nil {
		setLastError(err)
		return nil
	}
	return jsonResult(rec)
}

//export EntityList
// EntityList reads entities of one type with pagination. Free the
// result with FreeString.
func EntityList(entityType *C.char, limit, offset C.int) *C.char {
	svc := currentService()
	if svc == nil {
		setLastError(apperrors.New(apperrors.ErrInternal, "not initialized"))
		return nil
	}
	records, err := svc.Collection(C.GoString(entityType)).List(
		context.Background(), store.ListOptions{Limit: int(limit), Offset: int(offset)})
	if err != nil {
		setLastError(err)
		return nil
	}
	if records == nil {
		records = []*models.EntityRecord{}
	}
	return jsonResult(map[string]interface{}{
		"items": records,
		"count": len(records),
	})
}

//export EntityUpdate
// EntityUpdate merges a partial document into an entity and queues the
// change. Free the result with FreeString.
func EntityUpdate(entityType, id, patch *C.char) *C.char {
	svc := currentService()
	if svc == nil {
		setLastError(apperrors.New(apperrors.ErrInternal, "not initialized"))
		return nil
	}
	rec, err := svc.Collection(C.GoString(entityType)).Update(
		context.Background(), C.GoString(id), json.RawMessage(C.GoString(patch)))
	if err != nil {
		setLastError(err)
		return nil
	}
	return jsonResult(rec)
}

//export EntityDelete
// EntityDelete tombstones an entity and queues its removal. Returns 0
// on success.
func EntityDelete(entityType, id *C.char) C.int {
	svc := currentService()
	if svc == nil {
		setLastError(apperrors.New(apperrors.ErrInternal, "not initialized"))
		return 1
	}
	if err := svc.Collection(C.GoString(entityType)).Delete(
		context.Background(), C.GoString(id)); err != nil {
		setLastError(err)
		return 1
	}
	return 0
}

//export SyncTrigger
// SyncTrigger probes the backend and drains the queue when reachable.
// Returns the drain result as JSON, or NULL when offline or on error.
func SyncTrigger() *C.char {
	mu.Lock()
	e, m, tenant := engine, monitor, tenantID
	mu.Unlock()
	if e == nil {
		setLastError(apperrors.New(apperrors.ErrInternal, "not initialized"))
		return nil
	}
	if !m.CheckNow(context.Background()) {
		setLastError(apperrors.New(apperrors.ErrNetwork, "backend unreachable"))
		return nil
	}
	result, err := e.Drain(context.Background(), tenant)
	if err != nil {
		setLastError(err)
		return nil
	}
	return jsonResult(result)
}

//export SyncStatus
// SyncStatus returns connectivity and queue counters as JSON. Free the
// result with FreeString.
func SyncStatus() *C.char {
	mu.Lock()
	e, m, q, tenant := engine, monitor, mq, tenantID
	mu.Unlock()
	if q == nil {
		setLastError(apperrors.New(apperrors.ErrInternal, "not initialized"))
		return nil
	}
	stats, err := q.Stats(tenant)
	if err != nil {
		setLastError(err)
		return nil
	}
	return jsonResult(map[string]interface{}{
		"online":   m.Online(),
		"draining": e.Draining(),
		"queue":    stats,
	})
}

//export FreeString
// FreeString frees a string returned by this library.
func FreeString(ptr *C.char) {
	if ptr != nil {
		C.free(unsafe.Pointer(ptr))
	}
}

func main() {}
