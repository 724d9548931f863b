package core

import (
	"context"
	"database/sql"
	_log "log"
	"os"
	"time"

	"github.com/enfyra/server-sub006/core/internal/dialect"
	"github.com/enfyra/server-sub006/core/internal/meta"
	"github.com/enfyra/server-sub006/core/internal/mql"
	"github.com/enfyra/server-sub006/core/internal/psql"
)

// engine is the swappable inner state of an Engine. Everything in it is
// immutable after New returns except the metadata store, which manages
// its own snapshot swaps.
type engine struct {
	conf         *Config
	db           *sql.DB
	log          *_log.Logger
	dbtype       string
	provider     meta.Provider
	store        *meta.Store
	psqlCompiler *psql.Compiler
	mqlCompiler  *mql.Compiler
	cache        Cache
	hooks        []Hooks
	opts         []Option
	done         chan bool
}

func (g *Engine) newEngine(conf *Config, db *sql.DB, options ...Option) (err error) {
	if conf == nil {
		conf = &Config{}
	}

	e := &engine{
		conf: conf,
		db:   db,
		log:  _log.New(os.Stdout, "", 0),
		opts: options,
		done: g.done,
	}

	// ordering of these initializers matter, do not re-order!

	if err = e.initConfig(); err != nil {
		return
	}

	if err = e.initCache(); err != nil {
		return
	}

	for _, op := range options {
		if err = op(e); err != nil {
			return
		}
	}

	if err = e.initMetadata(); err != nil {
		return
	}

	if err = e.initCompilers(); err != nil {
		return
	}

	g.Store(e)
	return
}

func (e *engine) initConfig() error {
	e.conf.setDefaults()
	if err := e.conf.Validate(); err != nil {
		return newError(ErrValidation, "config: %s", err)
	}
	e.dbtype = e.conf.DBType

	if e.db == nil && !e.conf.MockDB {
		return newError(ErrValidation, "config: a database connection is required unless mock_db is set")
	}
	return nil
}

func (e *engine) initMetadata() (err error) {
	if e.provider == nil {
		return newError(ErrValidation, "config: no table metadata; use OptionSetMetadata or OptionSetProvider")
	}
	if e.store, err = meta.NewStore(e.provider, e.conf.Metadata.TTL); err != nil {
		return wrapErr(err, "", ErrInternal)
	}

	// Malformed metadata surfaces here, not on the first request.
	_, err = e.snapshot(context.Background())
	return
}

func (e *engine) initCompilers() error {
	if e.dbtype == "mongodb" {
		e.mqlCompiler = mql.NewCompiler()
		return nil
	}
	d, err := dialect.New(e.dbtype, e.conf.DBVersion)
	if err != nil {
		return wrapErr(err, "", ErrDialect)
	}
	e.psqlCompiler = psql.NewCompiler(d)
	return nil
}

// snapshot returns the current metadata schema, rebuilding it from the
// provider when expired.
func (e *engine) snapshot(c context.Context) (*meta.Schema, error) {
	sc, err := e.store.Snapshot(c)
	if err != nil {
		return nil, wrapErr(err, "", ErrInternal)
	}
	return sc, nil
}

// initMetadataWatcher starts the background metadata refresh loop.
func (g *Engine) initMetadataWatcher() error {
	e := g.Load().(*engine)

	ps := e.conf.Metadata.TTL

	switch {
	case ps < (1 * time.Second):
		return nil

	case ps < (5 * time.Second):
		ps = 10 * time.Second
	}

	go func() {
		g.startMetadataWatcher(ps)
	}()
	return nil
}

// startMetadataWatcher polls the provider and swaps the snapshot when
// the metadata changed.
func (g *Engine) startMetadataWatcher(ps time.Duration) {
	ticker := time.NewTicker(ps)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
		case <-g.done:
			return
		}

		e := g.Load().(*engine)

		current, err := e.store.Snapshot(context.Background())
		if err != nil {
			e.log.Println(err)
			continue
		}

		tables, err := e.provider.ListTables(context.Background())
		if err != nil {
			e.log.Println(err)
			continue
		}
		latest, err := meta.NewSchema(tables)
		if err != nil {
			e.log.Println(err)
			continue
		}

		if latest.Fingerprint() == current.Fingerprint() {
			continue
		}

		e.log.Println("metadata change detected. reloading...")

		e.store.Invalidate()
		if _, err := e.store.Snapshot(context.Background()); err != nil {
			e.log.Println(err)
		}
	}
}

// retryOperation retries failed database operations.
func retryOperation(c context.Context, fn func() error) (err error) {
	jitter := []int{50, 100, 200}
	for i := 0; i < 3; i++ {
		if err = fn(); err == nil {
			return
		}
		if c.Err() != nil {
			return
		}
		d := time.Duration(jitter[i])
		time.Sleep(d * time.Millisecond)
	}
	return
}
