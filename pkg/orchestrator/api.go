/*
 * Copyright 2026 Miccast Contributors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package orchestrator

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	mhttp "github.com/miccast/miccast/pkg/http"
	"github.com/miccast/miccast/pkg/models"
	"github.com/miccast/miccast/pkg/supervisor"
)

// Router builds the status and control HTTP surface.
func (o *Orchestrator) Router() *mux.Router {
	r := mux.NewRouter()

	r.Use(mhttp.RequestLogging(o.logger))
	r.Use(mhttp.APIKey(o.config.APIToken))

	r.HandleFunc("/healthz", o.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/v1/streams", o.handleListStreams).Methods(http.MethodGet)
	r.HandleFunc("/v1/streams/{name}", o.handleGetStream).Methods(http.MethodGet)
	r.HandleFunc("/v1/streams/{name}/restart", o.handleRestartStream).Methods(http.MethodPost)
	r.HandleFunc("/v1/streams/{name}/stop", o.handleStopStream).Methods(http.MethodPost)

	return r
}

func (o *Orchestrator) startHTTP() error {
	srv := &http.Server{
		Addr:              o.config.ListenAddr,
		Handler:           o.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	o.httpDone = srv.Shutdown

	go func() {
		o.logger.Info().Str("addr", o.config.ListenAddr).Msg("Starting status listener")

		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			o.logger.Error().Err(err).Msg("Status listener failed")
		}
	}()

	return nil
}

func (o *Orchestrator) handleHealth(w http.ResponseWriter, _ *http.Request) {
	o.writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"streams": len(o.deps.Supervisor.Supervised()),
	})
}

func (o *Orchestrator) handleListStreams(w http.ResponseWriter, _ *http.Request) {
	o.writeJSON(w, http.StatusOK, o.StatusAll())
}

func (o *Orchestrator) handleGetStream(w http.ResponseWriter, r *http.Request) {
	name := models.StreamName(mux.Vars(r)["name"])

	status, err := o.Status(name)
	if err != nil {
		o.writeError(w, err)
		return
	}

	o.writeJSON(w, http.StatusOK, status)
}

func (o *Orchestrator) handleRestartStream(w http.ResponseWriter, r *http.Request) {
	name := models.StreamName(mux.Vars(r)["name"])

	if err := o.RestartStream(r.Context(), name); err != nil {
		o.writeError(w, err)
		return
	}

	status, err := o.Status(name)
	if err != nil {
		o.writeError(w, err)
		return
	}

	o.writeJSON(w, http.StatusOK, status)
}

func (o *Orchestrator) handleStopStream(w http.ResponseWriter, r *http.Request) {
	name := models.StreamName(mux.Vars(r)["name"])

	if err := o.StopStream(r.Context(), name); err != nil {
		o.writeError(w, err)
		return
	}

	o.writeJSON(w, http.StatusOK, map[string]string{
		"name":  name.String(),
		"state": models.StateStopped.String(),
	})
}

func (o *Orchestrator) writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	if errors.Is(err, supervisor.ErrUnknownStream) {
		code = http.StatusNotFound
	}

	o.writeJSON(w, code, map[string]string{"error": err.Error()})
}

func (o *Orchestrator) writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)

	if err := json.NewEncoder(w).Encode(body); err != nil {
		o.logger.Warn().Err(err).Msg("Failed to encode response")
	}
}
