package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-logr/logr"

	"github.com/onexay/hgrev/internal/branches"
	"github.com/onexay/hgrev/internal/config"
	"github.com/onexay/hgrev/internal/hg"
	"github.com/onexay/hgrev/internal/resolver"
	"github.com/onexay/hgrev/internal/storage"
	"github.com/onexay/hgrev/internal/types"
)

// Service holds the resolution engine and its storage dependencies.
type Service struct {
	index    storage.Index
	catalog  *branches.Catalog
	queue    *resolver.Queue
	resolver *resolver.Resolver
	finder   *resolver.Finder
	daemon   *resolver.Daemon
	logger   logr.Logger

	runDaemon bool
}

// New constructs the service wiring.
func New(ctx context.Context, cfg config.Config, logger logr.Logger) (*Service, error) {
	if logger.GetSink() == nil {
		logger = logr.Discard()
	}

	index, err := storage.Open(storage.Options{
		Backend:  cfg.Index.Backend,
		KeyDB:    cfg.Index.KeyDB,
		BoltPath: cfg.Index.BoltPath,
	})
	if err != nil {
		return nil, fmt.Errorf("open index: %w", err)
	}

	var source branches.Source = branches.DefaultBranches()
	if cfg.Catalog.Path != "" {
		source = branches.FileSource{Path: cfg.Catalog.Path}
	}
	catalog, err := branches.New(ctx, branches.Options{
		Source: source,
		MaxAge: cfg.Catalog.MaxAge,
		Logger: logger,
	})
	if err != nil {
		_ = index.Close()
		return nil, fmt.Errorf("load branch catalog: %w", err)
	}

	fetcher := hg.NewFetcher(hg.FetcherOptions{
		Timeout:    cfg.Hosting.Timeout,
		RetryDelay: cfg.Hosting.RetryDelay,
		UserAgent:  cfg.Hosting.UserAgent,
		Logger:     logger,
	})
	queue := resolver.NewQueue(cfg.Resolver.MaxTodoAge, nil)

	res, err := resolver.New(resolver.Options{
		Index:       index,
		Hosting:     hg.NewClient(fetcher, logger),
		Catalog:     catalog,
		Queue:       queue,
		Logger:      logger,
		RevisionTTL: cfg.Resolver.RevisionTTL,
		DiffTTL:     cfg.Resolver.DiffTTL,
		CacheSize:   cfg.Resolver.CacheSize,
		Machine:     cfg.Resolver.Machine,
	})
	if err != nil {
		_ = index.Close()
		return nil, err
	}

	finder := resolver.NewFinder(resolver.FinderOptions{
		Resolver:  res,
		Catalog:   catalog,
		Branches:  cfg.Resolver.LandingBranches,
		Workers:   cfg.Resolver.FinderWorkers,
		TTL:       cfg.Resolver.RevisionTTL,
		CacheSize: cfg.Resolver.CacheSize,
		Logger:    logger,
	})
	daemon := resolver.NewDaemon(resolver.DaemonOptions{
		Queue:     queue,
		Resolver:  res,
		Finder:    finder,
		DoNotScan: cfg.Resolver.DoNotScan,
		Logger:    logger,
	})

	return &Service{
		index:     index,
		catalog:   catalog,
		queue:     queue,
		resolver:  res,
		finder:    finder,
		daemon:    daemon,
		logger:    logger.WithName("service"),
		runDaemon: cfg.Resolver.Daemon,
	}, nil
}

// Start launches background discovery when it is enabled.
func (s *Service) Start(ctx context.Context) {
	if !s.runDaemon {
		return
	}
	s.daemon.Start(ctx)
}

// Close stops background discovery and releases the index.
func (s *Service) Close() error {
	s.daemon.Stop()
	return s.index.Close()
}

// Handler builds the REST routes for the service.
func Handler(svc *Service) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/swagger") {
			svc.handleSwagger(w, r, strings.TrimPrefix(r.URL.Path, "/swagger"))
			return
		}

		path := strings.TrimPrefix(r.URL.Path, "/api/v1")
		if path == "" || path == "/" {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown endpoint"})
			return
		}

		switch {
		case strings.HasPrefix(path, "/revisions/"):
			svc.handleRevision(w, r, strings.TrimPrefix(path, "/revisions/"))
		case strings.HasPrefix(path, "/pushes/"):
			svc.handlePush(w, r, strings.TrimPrefix(path, "/pushes/"))
		case strings.HasPrefix(path, "/find/"):
			svc.handleFind(w, r, strings.TrimPrefix(path, "/find/"))
		case strings.HasPrefix(path, "/branches"):
			svc.handleBranches(w, r, strings.TrimPrefix(path, "/branches"))
		case path == "/source":
			svc.handleSource(w, r)
		case path == "/compare":
			svc.handleCompare(w, r)
		default:
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown resource"})
		}
	})
}

func (s *Service) handleRevision(w http.ResponseWriter, r *http.Request, tail string) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	branch, id, err := branchAndID(tail)
	if err != nil {
		writeError(w, err)
		return
	}

	query := r.URL.Query()
	locale := query.Get("locale")
	rev, err := s.resolver.Resolve(r.Context(), types.RevisionRequest{
		Branch:      types.Branch{Name: branch, Locale: locale},
		ChangesetID: id,
		Locale:      locale,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	if rev == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": fmt.Sprintf("revision %s not found on %s", id, branch)})
		return
	}

	if minimal, _ := strconv.ParseBool(query.Get("minimal")); minimal {
		writeJSON(w, http.StatusOK, storage.Minimize(*rev))
		return
	}
	writeJSON(w, http.StatusOK, rev)
}

func (s *Service) handlePush(w http.ResponseWriter, r *http.Request, tail string) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	name, id, err := branchAndID(tail)
	if err != nil {
		writeError(w, err)
		return
	}

	branch, err := s.catalog.Lookup(name, r.URL.Query().Get("locale"))
	if err != nil {
		writeError(w, err)
		return
	}
	push, err := s.resolver.Pushes().Resolve(r.Context(), branch, id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, push)
}

func (s *Service) handleFind(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	id = strings.Trim(id, "/")
	if id == "" || strings.Contains(id, "/") {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "changeset id required"})
		return
	}
	writeJSON(w, http.StatusOK, s.finder.Find(r.Context(), id))
}

func (s *Service) handleBranches(w http.ResponseWriter, r *http.Request, tail string) {
	switch strings.Trim(tail, "/") {
	case "":
		if r.Method != http.MethodGet {
			writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
			return
		}
		writeJSON(w, http.StatusOK, s.catalog.All())
	case "refresh":
		if r.Method != http.MethodPost {
			writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
			return
		}
		if err := s.catalog.Refresh(r.Context()); err != nil {
			writeError(w, err)
			return
		}
		s.logger.Info("branch catalog refreshed", "branches", len(s.catalog.All()))
		writeJSON(w, http.StatusOK, s.catalog.All())
	default:
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown resource"})
	}
}

func (s *Service) handleSource(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	q := r.URL.Query()
	if err := requireParams(q.Get, "branch", "rev", "path"); err != nil {
		writeError(w, err)
		return
	}

	content, err := s.resolver.Source(r.Context(), q.Get("branch"), q.Get("locale"), q.Get("rev"), q.Get("path"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeText(w, content)
}

func (s *Service) handleCompare(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	q := r.URL.Query()
	if err := requireParams(q.Get, "branch", "from", "to", "path"); err != nil {
		writeError(w, err)
		return
	}

	diff, err := s.resolver.CompareFile(r.Context(), q.Get("branch"), q.Get("locale"), q.Get("from"), q.Get("to"), q.Get("path"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeText(w, diff)
}

func branchAndID(tail string) (string, string, error) {
	branch, id, ok := strings.Cut(strings.Trim(tail, "/"), "/")
	if !ok || branch == "" || id == "" || strings.Contains(id, "/") {
		return "", "", &storage.ValidationError{Message: "expected /{branch}/{id}"}
	}
	return branch, id, nil
}

func requireParams(get func(string) string, names ...string) error {
	var missing []string
	for _, name := range names {
		if strings.TrimSpace(get(name)) == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return &storage.ValidationError{Message: "missing query parameters: " + strings.Join(missing, ", ")}
	}
	return nil
}

func writeError(w http.ResponseWriter, err error) {
	var validation *storage.ValidationError
	if errors.As(err, &validation) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": validation.Error()})
		return
	}

	var (
		unresolved *branches.BranchUnresolvedError
		notFound   *hg.NotFoundError
		missing    *storage.NotFoundError
	)
	if errors.As(err, &unresolved) || errors.As(err, &notFound) || errors.As(err, &missing) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}

	var (
		unavailable *hg.UnavailableError
		ambiguous   *resolver.AmbiguousPushError
	)
	if errors.As(err, &unavailable) || errors.As(err, &ambiguous) {
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}

	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeText(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(body))
}
