package main

import (
	"flag"
	"fmt"
	"os"

	"apigateway/app"
)

var (
	configPath = flag.String("config", "config/gateway.example.yaml", "путь к файлу конфигурации")
	port       = flag.String("port", "", "адрес для прослушивания, переопределяет server.port")
)

func main() {
	flag.Parse()

	if err := app.Run(*configPath, *port); err != nil {
		fmt.Fprintf(os.Stderr, "gateway: %v\n", err)
		os.Exit(1)
	}
}
