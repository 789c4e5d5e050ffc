package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/pranikaK17/Turing-test-ACM/internal/config"
	"github.com/pranikaK17/Turing-test-ACM/internal/server"
)

func main() {
	c, err := loadConfig()
	if err != nil {
		log.Fatalf("realvsai: load config: %v", err)
	}

	s, err := server.Init(c)
	if err != nil {
		log.Fatalf("realvsai: init server: %v", err)
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGTERM, os.Interrupt)

	go s.Start()

	<-shutdown
	s.Shutdown()
}

func loadConfig() (server.Config, error) {
	var c server.Config

	p := os.Getenv("CONFIG_PATH")
	if p == "" {
		return c, fmt.Errorf("CONFIG_PATH not set")
	}

	if err := config.Load(p, &c); err != nil {
		return c, err
	}

	return c, nil
}
