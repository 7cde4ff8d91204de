// Package vmm is the agency: it owns the host memory, the store and the
// MEs running on this host, and moves MEs to and from other agencies.
package vmm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path"
	"strconv"
	"sync"
	"time"

	"github.com/bobuhiro11/gosoo/domain"
	"github.com/bobuhiro11/gosoo/memory"
	"github.com/bobuhiro11/gosoo/migration"
	"github.com/bobuhiro11/gosoo/store"
	"github.com/bobuhiro11/gosoo/vbstore"
	"github.com/bobuhiro11/gosoo/vbus"
	units "github.com/docker/go-units"
	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

var vmmLog = logrus.WithField("source", "vmm")

// SetLogger rebases the package logger on logger.
func SetLogger(logger *logrus.Entry) {
	vmmLog = logger.WithFields(vmmLog.Data)
}

// MERoot is the store directory where the agency publishes its MEs.
const MERoot = "/soo/me"

var errNotInitialized = errors.New("agency not initialized")

// Config configures an agency.
type Config struct {
	RAMSize  int
	SlotSize int
	RingSize int

	// StoreDB is the bolt file backing the store; empty keeps the store
	// in memory.
	StoreDB string

	ControlSocket string
	MetricsAddr   string

	// Listen is the TCP address accepting incoming migrations.
	Listen string

	// Drivers are registered on the device bus of every ME.
	Drivers map[string]vbus.Driver
}

// Agency runs MEs on this host.
type Agency struct {
	Config

	mem      *memory.Memory
	store    *store.Server
	host     *domain.Host
	coord    *migration.Coordinator
	registry *prometheus.Registry

	// migMu serializes every use of the coordinator.
	migMu sync.Mutex
}

// New returns an agency for c. Call Init before anything else.
func New(c Config) *Agency {
	return &Agency{Config: c}
}

// Init maps the host memory, opens the store and sets up the domain
// host and the migration coordinator.
func (a *Agency) Init() error {
	mem, err := memory.New(memory.DefaultBase, a.RAMSize, a.SlotSize)
	if err != nil {
		return err
	}

	var backend store.Backend

	if a.StoreDB != "" {
		b, err := store.OpenBolt(a.StoreDB)
		if err != nil {
			mem.Close()

			return err
		}

		backend = b
	}

	st, err := store.New(backend)
	if err != nil {
		mem.Close()

		if backend != nil {
			backend.Close()
		}

		return err
	}

	a.mem = mem
	a.store = st
	a.host = domain.New(mem, st, domain.Config{RingSize: a.RingSize, Drivers: a.Drivers})
	a.coord = migration.NewCoordinator(a.host)

	a.registry = prometheus.NewRegistry()
	vbstore.RegisterMetrics(a.registry)
	vbus.RegisterMetrics(a.registry)
	migration.RegisterMetrics(a.registry)

	vmmLog.WithFields(logrus.Fields{
		"ram":   units.BytesSize(float64(a.RAMSize)),
		"slots": len(mem.Slots),
		"store": a.StoreDB,
	}).Info("agency initialized")

	return nil
}

// Store returns the agency's store.
func (a *Agency) Store() *store.Server { return a.store }

// Host returns the domain host.
func (a *Agency) Host() *domain.Host { return a.host }

// Registry returns the registry the agency's metrics are exposed from.
func (a *Agency) Registry() *prometheus.Registry { return a.registry }

// Boot creates and starts a new ME. A negative slot picks the lowest
// free one.
func (a *Agency) Boot(slot int) (*domain.Domain, error) {
	if a.host == nil {
		return nil, errNotInitialized
	}

	a.migMu.Lock()
	defer a.migMu.Unlock()

	d, err := a.host.Create(slot)
	if err != nil {
		return nil, err
	}

	slot = d.Slot().Index

	if err := a.coord.Init(slot); err != nil {
		a.host.Destroy(slot)

		return nil, err
	}

	if err := a.host.Start(slot); err != nil {
		a.host.Destroy(slot)

		return nil, err
	}

	a.publish(d)

	return d, nil
}

// Destroy stops the ME in slot.
func (a *Agency) Destroy(slot int) error {
	a.migMu.Lock()
	defer a.migMu.Unlock()

	return a.destroy(slot)
}

func (a *Agency) destroy(slot int) error {
	if err := a.host.Destroy(slot); err != nil {
		return err
	}

	if err := a.store.Rm(meDir(slot)); err != nil && !errors.Is(err, vbstore.ErrNotFound) {
		vmmLog.WithError(err).Warn("unpublish ME")
	}

	return nil
}

func meDir(slot int) string { return path.Join(MERoot, strconv.Itoa(slot)) }

// publish records the identity and state of d in the store.
func (a *Agency) publish(d *domain.Domain) {
	dir := meDir(d.Slot().Index)

	for node, value := range map[string]string{
		"uuid":  d.UUID().String(),
		"state": d.State().String(),
		"dom":   strconv.Itoa(int(d.ID())),
	} {
		if err := a.store.Write(path.Join(dir, node), []byte(value)); err != nil {
			vmmLog.WithError(err).WithField("path", dir).Warn("publish ME")
		}
	}
}

// Serve runs the control socket, the metrics endpoint and the incoming
// migration listener until ctx is done or one of them fails.
func (a *Agency) Serve(ctx context.Context) error {
	if a.host == nil {
		return errNotInitialized
	}

	g, ctx := errgroup.WithContext(ctx)

	if a.ControlSocket != "" {
		l, err := a.listenControl(a.ControlSocket)
		if err != nil {
			return err
		}

		g.Go(func() error { return a.serveControl(l) })
		g.Go(func() error {
			<-ctx.Done()

			return l.Close()
		})
	}

	if a.MetricsAddr != "" {
		srv := &http.Server{
			Addr:              a.MetricsAddr,
			Handler:           a.metricsHandler(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		g.Go(func() error {
			vmmLog.Infof("metrics on %s", a.MetricsAddr)

			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics: %w", err)
			}

			return nil
		})
		g.Go(func() error {
			<-ctx.Done()

			return srv.Close()
		})
	}

	if a.Listen != "" {
		l, err := net.Listen("tcp", a.Listen)
		if err != nil {
			return fmt.Errorf("listen %s: %w", a.Listen, err)
		}

		g.Go(func() error { return a.serveIncoming(l) })
		g.Go(func() error {
			<-ctx.Done()

			return l.Close()
		})
	}

	err := g.Wait()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}

	return err
}

func (a *Agency) metricsHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))

	return mux
}

// Close stops every ME and releases the store and the host memory.
func (a *Agency) Close() error {
	var result *multierror.Error

	if a.host != nil {
		if err := a.host.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}

	if a.store != nil {
		if err := a.store.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}

	if a.mem != nil {
		if err := a.mem.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}

	if a.ControlSocket != "" {
		os.Remove(a.ControlSocket)
	}

	return result.ErrorOrNil()
}
