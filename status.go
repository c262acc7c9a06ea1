package locoio

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"

	"github.com/hubertat/locoio/sv"
)

const httpTimeoutsMs = 3000

// PinStatus is one channel's decoded configuration and live state, as
// served by the diagnostics endpoint.
type PinStatus struct {
	Channel   int    `json:"channel"`
	Pin       uint16 `json:"pin"`
	Direction string `json:"direction"`
	Mode      string `json:"mode,omitempty"`
	Reset     string `json:"reset,omitempty"`
	Address   uint16 `json:"address"`
	Polarity  string `json:"polarity"`
	State     bool   `json:"state"`
}

type nodeStatus struct {
	Name     string      `json:"name"`
	Version  byte        `json:"version"`
	AddrLow  byte        `json:"addr_low"`
	AddrHigh byte        `json:"addr_high"`
	Pins     []PinStatus `json:"pins"`
}

// StartHTTP serves best-effort diagnostics: GET /status with decoded
// channel configuration and GET /sv with a raw table dump. Absence or
// failure of this server never affects protocol behavior.
func (lio *LocoIO) StartHTTP() error {
	if len(lio.HttpAddr) == 0 {
		return nil
	}

	handler := httprouter.New()
	handler.GET("/status", lio.handleStatus)
	handler.GET("/sv", lio.handleSvDump)

	httpTimeout := httpTimeoutsMs * time.Millisecond
	server := &http.Server{
		Addr:              lio.HttpAddr,
		Handler:           handler,
		ReadTimeout:       httpTimeout,
		ReadHeaderTimeout: httpTimeout,
		WriteTimeout:      httpTimeout,
		IdleTimeout:       2 * httpTimeout,
	}

	go func() {
		err := server.ListenAndServe()
		lio.logger.Warn("diagnostics http server stopped", "err", err)
	}()

	lio.logger.Info("diagnostics http server listening", "addr", lio.HttpAddr)
	return nil
}

func (lio *LocoIO) pinStatuses() []PinStatus {
	statuses := make([]PinStatus, 0, sv.PinCount)
	for n := 0; n < sv.PinCount; n++ {
		cfg := lio.table.Pin(n)

		ps := PinStatus{
			Channel:  n,
			Pin:      lio.pins.pinMap[n],
			Address:  uint16(cfg.Address) + 1,
			Polarity: directionString(cfg.Polarity),
		}

		if cfg.Output {
			ps.Direction = "output"
			if cfg.Pulse {
				ps.Mode = "pulse"
				ps.Reset = "hardware"
			} else {
				ps.Mode = "continuous"
				if cfg.HardwareReset {
					ps.Reset = "hardware"
				} else {
					ps.Reset = "software"
				}
			}
			ps.State, _ = lio.pins.OutputLevel(n)
		} else {
			ps.Direction = "input"
			ps.State = cfg.LastLevel
		}

		statuses = append(statuses, ps)
	}
	return statuses
}

func (lio *LocoIO) handleStatus(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	status := nodeStatus{
		Name:     lio.Name,
		Version:  lio.table.Version(),
		AddrLow:  lio.table.AddrLow(),
		AddrHigh: lio.table.AddrHigh(),
		Pins:     lio.pinStatuses(),
	}

	w.Header().Set("Content-Type", "application/json")
	err := json.NewEncoder(w).Encode(status)
	if err != nil {
		lio.logger.Warn("failed encoding status response", "err", err)
	}
}

func (lio *LocoIO) handleSvDump(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	snap := lio.table.Snapshot()

	w.Header().Set("Content-Type", "text/plain")
	for offset, value := range snap {
		fmt.Fprintf(w, "%02d: 0x%02X\n", offset, value)
	}
}
