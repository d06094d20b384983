// Command modbus_bridge exposes a local Modbus RTU port over HTTP so that
// antennad can poll a sensor board attached to another machine.
package main

import (
	"flag"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/goburrow/modbus"
	"github.com/gorilla/mux"
	"github.com/w1xm/antenna_control/internal/logging"
	"github.com/w1xm/antenna_control/internal/modbus/modbushttp"
)

var (
	addr       = flag.String("addr", "127.0.0.1:8502", "address to listen on")
	password   = flag.String("password", "", "password to require on remote connections")
	serialPort = flag.String("serial", "", "sensor board serial port name")
	baud       = flag.Int("baud", 19200, "sensor board baud rate")
	slaveID    = flag.Uint("slave_id", 1, "sensor board Modbus address")
	logFormat  = flag.String("log_format", "text", "log format (text or json)")
	logLevel   = flag.String("log_level", "info", "log level")
)

func newHandler(port string, baud int, slaveID byte) *modbus.RTUClientHandler {
	handler := modbus.NewRTUClientHandler(port)
	handler.BaudRate = baud
	handler.DataBits = 8
	handler.Parity = "N"
	handler.StopBits = 1
	handler.Timeout = 1 * time.Second
	handler.SlaveId = slaveID
	return handler
}

func main() {
	flag.Parse()
	logger := logging.New(os.Stderr, *logFormat, *logLevel)
	slog.SetDefault(logger)

	handler := newHandler(*serialPort, *baud, byte(*slaveID))
	if err := handler.Connect(); err != nil {
		logger.Error("opening serial port", "port", *serialPort, "error", err)
		os.Exit(1)
	}
	defer handler.Close()

	r := mux.NewRouter()
	r.Handle("/api/send", &modbushttp.Handler{
		Transporter: handler,
		Password:    *password,
		Logger:      logger,
	}).Methods(http.MethodPost)
	srv := &http.Server{
		Handler:      r,
		Addr:         *addr,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
	logger.Info("listening", "addr", srv.Addr)
	if err := srv.ListenAndServe(); err != nil {
		logger.Error("serving", "error", err)
		os.Exit(1)
	}
}
