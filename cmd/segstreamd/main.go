package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"segstream/internal/config"
	"segstream/internal/engine"
	"segstream/internal/fetcher"
	"segstream/internal/logger"
	"segstream/internal/manifest"
	"segstream/internal/parser"
)

func main() {
	listenAddr := pflag.StringP("listen", "l", ":8080", "HTTP listen address")
	logLevel := pflag.StringP("log-level", "L", "info", "Log level (error, warn, info, debug)")
	configFile := pflag.StringP("config", "c", "", "Path to the engine config file (optional)")
	presentationFile := pflag.StringP("presentation", "p", "presentation.json", "Path to the presentation description")
	userAgent := pflag.String("user-agent", "segstreamd", "User-Agent for segment requests")
	startPosition := pflag.Float64("start", 0, "Initial playback position in seconds")
	pflag.Parse()

	log := logger.NewLogger(*logLevel)
	log.Infof("Starting segment scheduling daemon...")

	cfg := config.Default()
	if *configFile != "" {
		var err error
		cfg, err = config.Load(*configFile)
		if err != nil {
			log.Errorf("Failed to load configuration: %v", err)
			os.Exit(1)
		}
	}

	m, err := manifest.Load(*presentationFile, cfg.Epsilon())
	if err != nil {
		log.Errorf("Failed to load presentation description: %v", err)
		os.Exit(1)
	}
	log.Infof("Loaded presentation %q (%d period(s))", m.ID, len(m.Periods))

	transport := &http.Transport{ResponseHeaderTimeout: 3 * time.Second}
	httpClient := &http.Client{Transport: transport}
	fetch := fetcher.New(httpClient, log, *userAgent, cfg)

	eng := engine.New(m, *presentationFile, fetch, parser.Passthrough{}, cfg, log, *startPosition)
	if err := eng.Start(); err != nil {
		log.Errorf("Failed to start engine: %v", err)
		os.Exit(1)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(statusReport(eng)); err != nil {
			log.Warnf("Failed to encode status report: %v", err)
		}
	})
	mux.HandleFunc("POST /seek", func(w http.ResponseWriter, r *http.Request) {
		pos, err := strconv.ParseFloat(r.URL.Query().Get("position"), 64)
		if err != nil {
			http.Error(w, "invalid position", http.StatusBadRequest)
			return
		}
		eng.Seek(pos)
		w.WriteHeader(http.StatusNoContent)
	})

	server := &http.Server{Addr: *listenAddr, Handler: mux}
	go func() {
		log.Infof("Server starting on %s", *listenAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf("Could not listen on %s: %v", *listenAddr, err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit
	log.Infof("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	eng.Stop()
	if err := server.Shutdown(ctx); err != nil {
		log.Errorf("Server shutdown failed: %v", err)
		os.Exit(1)
	}
	log.Infof("Exited gracefully")
}

type trackReport struct {
	Adaptation     string       `json:"adaptation"`
	Type           string       `json:"type"`
	Representation string       `json:"representation"`
	Bitrate        int          `json:"bitrate"`
	BufferedRanges [][2]float64 `json:"bufferedRanges"`
	Finished       bool         `json:"finished"`
	NeededSegments int          `json:"neededSegments"`
	Failure        string       `json:"failure,omitempty"`
}

type report struct {
	Presentation string        `json:"presentation"`
	Position     float64       `json:"position"`
	Tracks       []trackReport `json:"tracks"`
}

func statusReport(eng *engine.Engine) report {
	out := report{Position: eng.Position()}
	for id, t := range eng.Tracks() {
		tr := trackReport{
			Adaptation:     id,
			Type:           string(t.Content.Adaptation.Type),
			Representation: t.Content.Representation.ID,
			Bitrate:        t.Content.Representation.Bitrate,
		}
		for _, rng := range t.Buffer.BufferedRanges() {
			tr.BufferedRanges = append(tr.BufferedRanges, [2]float64{rng.Start, rng.End})
		}
		if st := t.LastStatus(); st != nil {
			tr.Finished = st.HasFinishedLoading
			tr.NeededSegments = len(st.NeededSegments)
		}
		if err := t.Failure(); err != nil {
			tr.Failure = err.Error()
		}
		out.Presentation = t.Content.Manifest.ID
		out.Tracks = append(out.Tracks, tr)
	}
	return out
}
