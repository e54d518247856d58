// Package api is the HTTP front-end (§6.1): it turns inspect requests into
// Jobs, serves fleet/queue stats, and exposes the relog admin trigger.
package api

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/gorilla/mux"

	"inspectd/internal/apierr"
	"inspectd/internal/config"
	"inspectd/internal/fleet"
	"inspectd/internal/inspectlink"
	"inspectd/internal/job"
	"inspectd/internal/resultcache"
	"inspectd/internal/scheduler"
)

// maxBodyBytes bounds request bodies (§6.1 ambient concern: the original
// has no such cap; an unauthenticated huge body is a cheap DoS vector).
const maxBodyBytes = 5 << 20 // 5 MiB

// Server wires the HTTP surface to the fleet, scheduler, and cache.
type Server struct {
	cfg       *config.Config
	fleet     *fleet.Controller
	scheduler *scheduler.Scheduler
	cache     *resultcache.Cache
	limiter   *ipLimiter
	logger    *log.Logger
	router    *mux.Router
}

// New builds a Server and registers its routes.
func New(cfg *config.Config, f *fleet.Controller, sch *scheduler.Scheduler, cache *resultcache.Cache, logger *log.Logger) *Server {
	s := &Server{
		cfg:       cfg,
		fleet:     f,
		scheduler: sch,
		cache:     cache,
		limiter:   newIPLimiter(cfg.RateLimit),
		logger:    logger,
		router:    mux.NewRouter(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.Use(func(next http.Handler) http.Handler {
		return clientIPMiddleware(s.cfg.TrustProxy, next)
	})
	s.router.Use(s.limiter.middleware)
	s.router.Use(s.corsMiddleware)

	s.router.HandleFunc("/inspect", s.handleInspect).Methods(http.MethodPost, http.MethodOptions)
	s.router.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet, http.MethodOptions)
	s.router.HandleFunc("/relog", s.handleRelog).Methods(http.MethodGet, http.MethodOptions)
}

// ServeHTTP satisfies http.Handler so a *Server can be passed straight to
// http.Server.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// corsMiddleware implements §6.1 CORS using config.Config.OriginAllowed.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.cfg.OriginAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type inspectRequest struct {
	APIKey   string  `json:"apiKey"`
	URL      string  `json:"url"`
	A        string  `json:"a"`
	D        string  `json:"d"`
	S        string  `json:"s"`
	M        string  `json:"m"`
	Priority int     `json:"priority"`
	PriceKey string  `json:"priceKey"`
	Price    *uint64 `json:"price"`
}

func (s *Server) handleInspect(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	var req inspectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apierr.BadBody)
		return
	}

	if req.APIKey != s.cfg.APIKey {
		writeError(w, apierr.BadAPIKey)
		return
	}

	link, err := parseLink(req)
	if err != nil {
		writeError(w, apierr.InvalidInspect)
		return
	}

	priority := req.Priority
	if priority < 1 || priority > 5 {
		priority = 4
	}

	var price *uint64
	if req.PriceKey != "" {
		if req.PriceKey != s.cfg.PriceKey {
			writeError(w, apierr.BadSecret)
			return
		}
		// §3 PriceSubmission: only accepted for market links.
		if link.IsMarketLink() && req.Price != nil {
			price = req.Price
			s.cache.UpdatePrice(link.A, *price)
		}
	}

	ip := ipFromRequest(r)
	j := job.New(ip, false)
	j.Add(link, price)

	if cached, ok := s.cache.Get(link.A); ok {
		j.SetResponse(link.A, cached.Item)
	} else if admitErr := s.scheduler.CanAdmit(ip, 1, s.cfg.MaxSimultaneousRequests, s.cfg.MaxQueueSize); admitErr != nil {
		j.SetResponseRemaining(admitErr)
	} else if !s.fleet.HasAny() {
		j.SetResponseRemaining(apierr.SteamOffline)
	} else {
		s.scheduler.Enqueue(r.Context(), &scheduler.QueueEntry{
			Link:           link,
			MaxAttempts:    s.cfg.MaxAttempts,
			IP:             ip,
			Priority:       priority,
			ParentJob:      j,
			SubmittedPrice: price,
		})
	}

	select {
	case <-j.Done():
	case <-r.Context().Done():
		return
	}

	writeJobResult(w, j)
}

func parseLink(req inspectRequest) (inspectlink.Link, error) {
	if req.URL != "" {
		return inspectlink.Parse(req.URL)
	}
	return inspectlink.FromFields(req.A, req.D, req.S, req.M)
}

func writeJobResult(w http.ResponseWriter, j *job.Job) {
	results := j.Results()
	if len(results) == 0 {
		writeError(w, apierr.GenericBad)
		return
	}

	if !j.Bulk {
		res := results[0]
		if res.Err != nil {
			writeError(w, res.Err)
			return
		}
		writeJSON(w, http.StatusOK, res.Item)
		return
	}

	body := make([]any, 0, len(results))
	for _, res := range results {
		if res.Err != nil {
			body = append(body, map[string]any{"a": res.AssetID, "error": apierrMessage(res.Err), "code": apierrCode(res.Err)})
			continue
		}
		body = append(body, res.Item)
	}
	writeJSON(w, http.StatusOK, body)
}

type statsResponse struct {
	BotsOnline          int `json:"bots_online"`
	BotsTotal           int `json:"bots_total"`
	QueueSize           int `json:"queue_size"`
	QueueConcurrency    int `json:"queue_concurrency"`
	CurrentlyProcessing int `json:"currently_processing_size"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if !s.checkAdminKey(w, r) {
		return
	}
	writeJSON(w, http.StatusOK, statsResponse{
		BotsOnline:          s.fleet.ReadyCount(),
		BotsTotal:           s.fleet.Total(),
		QueueSize:           s.scheduler.Size(),
		QueueConcurrency:    s.scheduler.Concurrency(),
		CurrentlyProcessing: s.scheduler.ProcessingCount(),
	})
}

func (s *Server) handleRelog(w http.ResponseWriter, r *http.Request) {
	if !s.checkAdminKey(w, r) {
		return
	}
	s.fleet.TryRelogAll()
	writeJSON(w, http.StatusOK, map[string]bool{"issued_relog": true})
}

// checkAdminKey implements the §9 open-question decision for /stats and
// /relog: since both are GET, the API key travels in a header or query
// param rather than a body (documented in SPEC_FULL.md/DESIGN.md).
func (s *Server) checkAdminKey(w http.ResponseWriter, r *http.Request) bool {
	key := r.Header.Get("X-Api-Key")
	if key == "" {
		key = r.URL.Query().Get("apiKey")
	}
	if key != s.cfg.APIKey {
		writeError(w, apierr.BadAPIKey)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	ae, ok := err.(*apierr.Error)
	if !ok {
		ae = apierr.GenericBad
	}
	status := ae.HTTPStatus
	if status == 0 {
		status = http.StatusBadRequest
	}
	writeJSON(w, status, ae)
}

func apierrMessage(err error) string {
	if ae, ok := err.(*apierr.Error); ok {
		return ae.Message
	}
	return err.Error()
}

func apierrCode(err error) int {
	if ae, ok := err.(*apierr.Error); ok {
		return ae.Code
	}
	return apierr.GenericBad.Code
}
