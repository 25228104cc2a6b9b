package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/psaab/gpuflow/pkg/logging"
	"github.com/psaab/gpuflow/pkg/nic"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeOK(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, Response{Success: true, Data: data})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, Response{Success: false, Error: msg})
}

func (s *Server) healthHandler(w http.ResponseWriter, _ *http.Request) {
	writeOK(w, map[string]string{"status": "ok"})
}

func (s *Server) statusHandler(w http.ResponseWriter, _ *http.Request) {
	resp := StatusResponse{
		Uptime:      time.Since(s.startTime).Truncate(time.Second).String(),
		Initialized: s.mgr != nil && s.mgr.Initialized(),
	}
	if s.mgr != nil {
		for _, q := range s.mgr.Queues() {
			if q.Direction == "rx" {
				resp.RxQueues++
			} else {
				resp.TxQueues++
			}
		}
		resp.Workers = s.mgr.Workers()
	}
	writeOK(w, resp)
}

func (s *Server) globalStatsHandler(w http.ResponseWriter, _ *http.Request) {
	if s.mgr == nil {
		writeError(w, http.StatusServiceUnavailable, "engine not running")
		return
	}
	st := s.mgr.Stats()
	writeOK(w, GlobalStats{
		RxPackets:     st.RxPkts.Load(),
		RxBytes:       st.RxBytes.Load(),
		RxBursts:      st.RxBursts.Load(),
		RxRingDrops:   st.RxDrops.Load(),
		RxLastPartial: st.RxLastPartial.Load(),
		TxPackets:     st.TxPkts.Load(),
		TxBursts:      st.TxBursts.Load(),
		TxDrops:       st.TxDrops.Load(),
	})
}

func (s *Server) queuesHandler(w http.ResponseWriter, _ *http.Request) {
	if s.mgr == nil {
		writeError(w, http.StatusServiceUnavailable, "engine not running")
		return
	}
	writeOK(w, s.mgr.Queues())
}

func (s *Server) eventsHandler(w http.ResponseWriter, r *http.Request) {
	if s.eventBuf == nil {
		writeOK(w, []logging.EventRecord{})
		return
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	writeOK(w, s.eventBuf.Recent(limit))
}

func (s *Server) interfacesHandler(w http.ResponseWriter, _ *http.Request) {
	ifaces, err := nic.HostInterfaces()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeOK(w, ifaces)
}

func (s *Server) interfaceHandler(w http.ResponseWriter, r *http.Request) {
	iface, err := nic.HostInterfaceByName(r.PathValue("name"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeOK(w, iface)
}
