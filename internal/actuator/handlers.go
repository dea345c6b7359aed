package actuator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"vivarium/internal/models"

	"github.com/gorilla/mux"
)

// HTTP — management API поверх Store и Registry.
type HTTP struct {
	store  Store
	reg    *Registry
	hub    *Hub
	margin time.Duration
	now    func() time.Time
}

func NewHTTP(store Store, reg *Registry, hub *Hub, margin time.Duration) *HTTP {
	return &HTTP{store: store, reg: reg, hub: hub, margin: margin, now: time.Now}
}

func (h *HTTP) RegisterRoutes(r *mux.Router) {
	api := r.PathPrefix("/api/v1").Subrouter()

	// events регистрируем раньше {uuid}-маршрутов
	if h.hub != nil {
		api.HandleFunc("/actuators/events", h.hub.ServeWS).Methods(http.MethodGet)
	}

	api.HandleFunc("/actuators", h.list).Methods(http.MethodGet)
	api.HandleFunc("/actuators", h.create).Methods(http.MethodPost)
	api.HandleFunc("/actuators/{uuid}", h.get).Methods(http.MethodGet)
	api.HandleFunc("/actuators/{uuid}", h.update).Methods(http.MethodPut)
	api.HandleFunc("/actuators/{uuid}", h.remove).Methods(http.MethodDelete)

	api.HandleFunc("/actuators/{uuid}/trigger", h.trigger).Methods(http.MethodPost)
	api.HandleFunc("/actuators/{uuid}/test", h.test).Methods(http.MethodPost)
	api.HandleFunc("/actuators/{uuid}/status", h.status).Methods(http.MethodGet)
	api.HandleFunc("/actuators/{uuid}/history/{period}", h.history).Methods(http.MethodGet)
	api.HandleFunc("/actuators/{uuid}/history/{period}/export", h.historyExport).Methods(http.MethodGet)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// decodeSpec — строгий декодер: неизвестные поля отклоняются, не игнорируются.
func decodeSpec(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func (h *HTTP) list(w http.ResponseWriter, _ *http.Request) {
	list, err := h.store.List()
	if err != nil {
		models.WriteProblem(w, http.StatusInternalServerError, "Storage error", err.Error(), nil)
		return
	}
	if list == nil {
		list = []models.Actuator{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *HTTP) get(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["uuid"]
	a, err := h.store.Get(id)
	if err != nil {
		h.storeProblem(w, id, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (h *HTTP) create(w http.ResponseWriter, r *http.Request) {
	var a models.Actuator
	if err := decodeSpec(r, &a); err != nil {
		http.Error(w, "invalid json: "+err.Error(), http.StatusBadRequest)
		return
	}
	applyParamDefaults(&a.Params)
	if err := ValidateSpec(&a); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	created, err := h.store.Create(a)
	if err != nil {
		h.storeProblem(w, "", err)
		return
	}
	if err := h.reg.Load(created); err != nil {
		// запись создана, но драйвер не поднялся: операции вернут NotLoaded
		models.WriteProblem(w, http.StatusCreated, "Created, driver not loaded", err.Error(),
			map[string]string{"uuid": created.UUID})
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (h *HTTP) update(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["uuid"]
	var a models.Actuator
	if err := decodeSpec(r, &a); err != nil {
		http.Error(w, "invalid json: "+err.Error(), http.StatusBadRequest)
		return
	}
	applyParamDefaults(&a.Params)
	if err := ValidateSpec(&a); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	updated, err := h.store.Update(id, a)
	if err != nil {
		h.storeProblem(w, id, err)
		return
	}
	_ = h.reg.Load(updated) // пересоздаём драйвер под новую конфигурацию
	writeJSON(w, http.StatusOK, updated)
}

func (h *HTTP) remove(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["uuid"]
	if _, err := h.store.Get(id); err != nil {
		h.storeProblem(w, id, err)
		return
	}
	// сначала отпускаем железо, потом запись — иначе осиротевший handle
	h.reg.Remove(id)
	if err := h.store.Delete(id); err != nil {
		h.storeProblem(w, id, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"deleted": id})
}

// trigger — ручной запуск мимо расписания; ровно одна запись истории.
func (h *HTTP) trigger(w http.ResponseWriter, r *http.Request) {
	a, params, drv, ok := h.prepareRun(w, r)
	if !ok {
		return
	}

	ctx, cancel := watchdogCtx(r, params, h.margin)
	defer cancel()
	out := drv.Activate(ctx, params)
	if out.Busy() {
		models.WriteProblem(w, http.StatusConflict, "Busy", "actuation already in flight",
			map[string]string{"uuid": a.UUID})
		return
	}

	ts := out.Timestamp
	if ts.IsZero() {
		ts = h.now()
	}
	ev := models.ActuationEvent{
		ActuatorUUID: a.UUID,
		Timestamp:    ts,
		Status:       out.Status,
		PortionSize:  out.PortionSize,
		HoldMs:       params.HoldMs,
		Message:      out.Message,
	}
	if err := h.store.AppendEvent(ev); err != nil {
		models.WriteProblem(w, http.StatusInternalServerError, "Storage error", err.Error(), nil)
		return
	}
	if h.hub != nil && a.Notify {
		h.hub.Broadcast(ev)
	}

	if out.Status == StatusFailed {
		models.WriteProblem(w, http.StatusInternalServerError, "Actuation failed", out.Message,
			map[string]string{"uuid": a.UUID})
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// test — та же механика с минимальным hold, истории не оставляет.
func (h *HTTP) test(w http.ResponseWriter, r *http.Request) {
	a, params, drv, ok := h.prepareRun(w, r)
	if !ok {
		return
	}

	ctx, cancel := watchdogCtx(r, params, h.margin)
	defer cancel()
	out := drv.Test(ctx, params)
	if out.Busy() {
		models.WriteProblem(w, http.StatusConflict, "Busy", "actuation already in flight",
			map[string]string{"uuid": a.UUID})
		return
	}
	if out.Status == StatusFailed {
		models.WriteProblem(w, http.StatusInternalServerError, "Test failed", out.Message,
			map[string]string{"uuid": a.UUID})
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// prepareRun — общая часть trigger/test: актуатор, merge override, драйвер.
func (h *HTTP) prepareRun(w http.ResponseWriter, r *http.Request) (models.Actuator, models.Params, Driver, bool) {
	id := mux.Vars(r)["uuid"]
	a, err := h.store.Get(id)
	if err != nil {
		h.storeProblem(w, id, err)
		return a, models.Params{}, nil, false
	}

	var ovr models.ParamsOverride
	if r.Body != nil && r.ContentLength != 0 {
		if err := decodeSpec(r, &ovr); err != nil {
			http.Error(w, "invalid json: "+err.Error(), http.StatusBadRequest)
			return a, models.Params{}, nil, false
		}
	}
	params := a.Params.Merge(ovr)
	if err := validateParams(params); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return a, params, nil, false
	}

	drv, err := h.reg.Get(a.UUID)
	if err != nil {
		models.WriteProblem(w, http.StatusInternalServerError, "Driver not loaded",
			"driver failed to initialize, reload the actuator",
			map[string]string{"uuid": a.UUID})
		return a, params, nil, false
	}
	return a, params, drv, true
}

func (h *HTTP) status(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["uuid"]
	a, err := h.store.Get(id)
	if err != nil {
		h.storeProblem(w, id, err)
		return
	}
	drv, err := h.reg.Get(a.UUID)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"online": false, "error": "driver not loaded"})
		return
	}
	if sr, ok := drv.(StatusReporter); ok {
		st, err := sr.HardwareStatus(r.Context())
		if err != nil {
			writeJSON(w, http.StatusOK, map[string]any{"online": false, "error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, st)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"online": true, "driver_type": a.DriverType})
}

func (h *HTTP) history(w http.ResponseWriter, r *http.Request) {
	events, _, ok := h.historyQuery(w, r)
	if !ok {
		return
	}
	if events == nil {
		events = []models.ActuationEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (h *HTTP) historyExport(w http.ResponseWriter, r *http.Request) {
	events, id, ok := h.historyQuery(w, r)
	if !ok {
		return
	}
	writeHistoryCSV(w, id, events)
}

func (h *HTTP) historyQuery(w http.ResponseWriter, r *http.Request) ([]models.ActuationEvent, string, bool) {
	id := mux.Vars(r)["uuid"]
	if _, err := h.store.Get(id); err != nil {
		h.storeProblem(w, id, err)
		return nil, id, false
	}
	dur, err := periodDuration(mux.Vars(r)["period"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return nil, id, false
	}
	events, err := h.store.EventsSince(id, h.now().Add(-dur))
	if err != nil {
		models.WriteProblem(w, http.StatusInternalServerError, "Storage error", err.Error(), nil)
		return nil, id, false
	}
	return events, id, true
}

// periodDuration — закрытый набор периодов истории.
func periodDuration(period string) (time.Duration, error) {
	switch period {
	case "hour":
		return time.Hour, nil
	case "day":
		return 24 * time.Hour, nil
	case "week":
		return 7 * 24 * time.Hour, nil
	case "month":
		return 30 * 24 * time.Hour, nil
	case "year":
		return 365 * 24 * time.Hour, nil
	default:
		return 0, fmt.Errorf("period must be hour|day|week|month|year, got %q", period)
	}
}

func (h *HTTP) storeProblem(w http.ResponseWriter, id string, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		models.WriteProblem(w, http.StatusNotFound, "Not found", "actuator not found",
			map[string]string{"uuid": id})
	case errors.Is(err, ErrConflict):
		models.WriteProblem(w, http.StatusConflict, "Conflict",
			"hardware address already used by an enabled actuator of the same driver type", nil)
	default:
		models.WriteProblem(w, http.StatusInternalServerError, "Storage error", err.Error(), nil)
	}
}

// applyParamDefaults заполняет нулевые тайминги дефолтами SG90;
// нулевые углы — валидные значения и не трогаются.
func applyParamDefaults(p *models.Params) {
	def := models.DefaultParams()
	if *p == (models.Params{}) {
		*p = def
		return
	}
	if p.TransitionMs == 0 {
		p.TransitionMs = def.TransitionMs
	}
	if p.HoldMs == 0 {
		p.HoldMs = def.HoldMs
	}
	if p.PortionSize == 0 {
		p.PortionSize = def.PortionSize
	}
}

func watchdogCtx(r *http.Request, p models.Params, margin time.Duration) (ctx context.Context, cancel func()) {
	return context.WithTimeout(r.Context(), WatchdogBudget(p, margin))
}
