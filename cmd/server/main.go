package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	sched "traffic-schedule"
)

func main() {
	cfg := sched.LoadConfig()

	audit, err := sched.NewSQLiteAuditStore(cfg.AuditDBPath)
	if err != nil {
		log.Fatalf("audit store init: %v", err)
	}
	sched.SetAuditRepository(audit)

	transport := sched.NewWSTransport()
	go transport.Run()

	detect := sched.NewDefaultCollisionChecker()
	svc, err := sched.NewService(cfg.LogFileLocation, transport, detect)
	if err != nil {
		log.Fatalf("service init: %v", err)
	}
	svc.Start()

	stopHB := make(chan struct{})
	sched.StartHeartbeat(transport, svc.DB(), cfg.HeartbeatPeriod, stopHB)

	r := sched.NewRouter(svc, transport, audit)
	r.PathPrefix("/ui/").Handler(http.StripPrefix("/ui/", http.FileServer(http.Dir("web"))))

	server := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	sched.RecordAudit(context.Background(), sched.AuditLevelInfo, "server", "start", "service boot sequence", map[string]any{
		"addr": cfg.HTTPAddr,
	})

	go func() {
		cert := strings.TrimSpace(os.Getenv("TLS_CERT_FILE"))
		key := strings.TrimSpace(os.Getenv("TLS_KEY_FILE"))
		if cert != "" && key != "" {
			log.Printf("listening on %s with TLS enabled", cfg.HTTPAddr)
			if err := server.ListenAndServeTLS(cert, key); err != nil && err != http.ErrServerClosed {
				log.Fatal(err)
			}
			return
		}
		log.Printf("listening on %s over HTTP (set TLS_CERT_FILE/TLS_KEY_FILE for TLS)", cfg.HTTPAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal(err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Printf("shutting down")
	close(stopHB)
	svc.Stop()
	transport.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
