// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-tokenbroker.
//
// go-tokenbroker is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

// Package token is the session gateway to a PKCS#11 smart card or USB token.
//
// Every operation resolves the library path, opens its own session, and
// closes it on all exit paths. Sessions are never pooled or shared between
// concurrent operations. The loaded library itself is reference counted so
// that one operation finalizing the module cannot tear down the sessions of
// another operation that is still running.
//
// Example Usage:
//
//	gw := token.NewGateway(&token.Config{Library: "/usr/lib/libeTPkcs11.so"})
//	tctx, err := gw.Open(ctx)
//	if err != nil {
//	    return err
//	}
//	defer tctx.Close()
//
//	slot, err := tctx.FirstSlot()
//	session, err := tctx.OpenSession(slot, token.ReadOnly)
//	defer session.Close()
package token

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jeremyhahn/go-tokenbroker/pkg/adapters/logger"
	"github.com/jeremyhahn/go-tokenbroker/pkg/types"
	"github.com/miekg/pkcs11"
)

// Mode selects the session type opened on a slot.
type Mode int

const (
	// ReadOnly sessions are used for discovery of public objects.
	ReadOnly Mode = iota
	// ReadWrite sessions are used for signing.
	ReadWrite
)

func (m Mode) String() string {
	if m == ReadWrite {
		return "read-write"
	}
	return "read-only"
}

// Config configures a Gateway.
type Config struct {
	// Library overrides the platform default PKCS#11 library path.
	Library string

	// Loader opens the library. Defaults to NativeLoader.
	Loader Loader

	// Logger receives debug output. Defaults to a no-op level.
	Logger logger.Logger
}

// moduleRef tracks the reference count of a loaded library.
type moduleRef struct {
	mod      Module
	refCount int
}

// Gateway opens token contexts and sessions.
type Gateway struct {
	library string
	loader  Loader
	logger  logger.Logger

	mu     sync.Mutex
	loaded map[string]*moduleRef
}

// NewGateway creates a new gateway. It does not touch the library until Open.
func NewGateway(config *Config) *Gateway {
	if config == nil {
		config = &Config{}
	}
	loader := config.Loader
	if loader == nil {
		loader = NativeLoader
	}
	log := config.Logger
	if log == nil {
		log = logger.NewSlogAdapter(&logger.SlogConfig{Level: logger.LevelError})
	}
	return &Gateway{
		library: config.Library,
		loader:  loader,
		logger:  log,
		loaded:  make(map[string]*moduleRef),
	}
}

// Library returns the configured override, which may be empty.
func (g *Gateway) Library() string {
	return g.library
}

// Open resolves and loads the PKCS#11 library and returns a context that
// must be closed by the caller.
func (g *Gateway) Open(ctx context.Context) (*Context, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	path, err := ResolveLibrary(g.library)
	if err != nil {
		return nil, err
	}

	mod, err := g.acquire(path)
	if err != nil {
		return nil, err
	}

	g.logger.Debug("PKCS#11 module opened", logger.String("library", path))
	return &Context{gateway: g, path: path, mod: mod}, nil
}

func (g *Gateway) acquire(path string) (Module, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if ref, ok := g.loaded[path]; ok {
		ref.refCount++
		return ref.mod, nil
	}

	mod, err := g.loader(path)
	if err != nil {
		if types.Kind(err) == "Internal" {
			return nil, fmt.Errorf("%w: %v", types.ErrModuleNotFound, err)
		}
		return nil, err
	}

	// Another component of the process may already have initialized the library
	if err := mod.Initialize(); err != nil {
		if !errors.Is(err, pkcs11.Error(pkcs11.CKR_CRYPTOKI_ALREADY_INITIALIZED)) {
			mod.Destroy()
			return nil, convertError("initialize", err)
		}
	}

	g.loaded[path] = &moduleRef{mod: mod, refCount: 1}
	return mod, nil
}

func (g *Gateway) release(path string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	ref, ok := g.loaded[path]
	if !ok {
		return nil
	}
	ref.refCount--
	if ref.refCount > 0 {
		return nil
	}

	delete(g.loaded, path)
	err := ref.mod.Finalize()
	ref.mod.Destroy()
	if err != nil {
		return convertError("finalize", err)
	}
	return nil
}

// Context is one operation's handle on a loaded library.
type Context struct {
	gateway *Gateway
	path    string
	mod     Module
	once    sync.Once
}

// Path returns the resolved library path.
func (c *Context) Path() string {
	return c.path
}

// Close releases the library reference. It is safe to call more than once.
func (c *Context) Close() error {
	var err error
	c.once.Do(func() {
		err = c.gateway.release(c.path)
	})
	return err
}

// Slots returns the slots that currently hold a token, in module order.
func (c *Context) Slots() ([]uint, error) {
	slots, err := c.mod.GetSlotList(true)
	if err != nil {
		return nil, convertError("get slot list", err)
	}
	if len(slots) == 0 {
		return nil, types.ErrNoTokenPresent
	}
	return slots, nil
}

// FirstSlot returns the first slot with a token present.
func (c *Context) FirstSlot() (uint, error) {
	slots, err := c.Slots()
	if err != nil {
		return 0, err
	}
	return slots[0], nil
}

// OpenSession opens a new session on slot.
func (c *Context) OpenSession(slot uint, mode Mode) (*Session, error) {
	flags := uint(pkcs11.CKF_SERIAL_SESSION)
	if mode == ReadWrite {
		flags |= pkcs11.CKF_RW_SESSION
	}

	handle, err := c.mod.OpenSession(slot, flags)
	if err != nil {
		return nil, convertError(fmt.Sprintf("open %s session on slot %d", mode, slot), err)
	}

	c.gateway.logger.Debug("PKCS#11 session opened",
		logger.Int("slot", int(slot)),
		logger.String("mode", mode.String()))

	return &Session{mod: c.mod, handle: handle, slot: slot, mode: mode}, nil
}
