package apihttp

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/gorilla/mux"

	"hvac-telemetry/internal/analytics/domain/rollup"
	analyticsmemory "hvac-telemetry/internal/analytics/infrastructure/memory"
	"hvac-telemetry/internal/audit"
	"hvac-telemetry/internal/auth"
	"hvac-telemetry/internal/reporting"
	telemetry "hvac-telemetry/internal/telemetry/domain"
	telemetrymemory "hvac-telemetry/internal/telemetry/infrastructure/memory"
	unitapp "hvac-telemetry/internal/units/application"
	units "hvac-telemetry/internal/units/domain"
	unitmemory "hvac-telemetry/internal/units/infrastructure/memory"
)

var base = time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC)

type apiEnv struct {
	router   *mux.Router
	registry *unitapp.Registry
	store    *telemetrymemory.ReadingStore
	rollups  *analyticsmemory.RollupRepository
	audit    *audit.MemoryLogger
}

func newAPIEnv(t *testing.T) *apiEnv {
	t.Helper()
	repo := unitmemory.NewUnitRepository()
	registry, err := unitapp.NewRegistry(repo)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	env := &apiEnv{
		registry: registry,
		store:    telemetrymemory.NewReadingStore(),
		rollups:  analyticsmemory.NewRollupRepository(),
		audit:    audit.NewMemoryLogger(),
	}
	reports, err := reporting.NewService(env.rollups)
	if err != nil {
		t.Fatalf("reporting: %v", err)
	}
	handler, err := NewHandler(registry, env.store, env.rollups, WithExporter(reports), WithAuditLogger(env.audit))
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	env.router = mux.NewRouter()
	handler.Register(env.router)

	ctx := context.Background()
	for _, unit := range []units.Unit{
		{Serial: "HV-1", LocationID: "loc-1", ProviderID: "prov-a", Refrigerant: units.RefrigerantR410A},
		{Serial: "HV-2", LocationID: "loc-2", ProviderID: "prov-b"},
	} {
		unit := unit
		if err := registry.Register(ctx, &unit); err != nil {
			t.Fatalf("register %s: %v", unit.Serial, err)
		}
	}
	materializer, err := unitapp.NewMaterializer(repo)
	if err != nil {
		t.Fatalf("materializer: %v", err)
	}
	for i := 0; i < 3; i++ {
		reading := telemetry.Reading{
			UnitSerial: "HV-1",
			TS:         base.Add(time.Duration(i) * time.Minute),
			Numeric:    map[string]float64{"ambient_temp": 90 + float64(i)},
		}
		if err := env.store.Append(ctx, reading); err != nil {
			t.Fatalf("append: %v", err)
		}
		if _, err := materializer.Apply(ctx, reading); err != nil {
			t.Fatalf("apply: %v", err)
		}
	}
	return env
}

func (e *apiEnv) do(t *testing.T, method, target, provider string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	req = req.WithContext(auth.WithIdentity(req.Context(), provider, auth.RoleAdmin, "tester"))
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func rangeQuery(from, to time.Time) string {
	values := url.Values{}
	values.Set("from", from.Format(time.RFC3339))
	values.Set("to", to.Format(time.RFC3339))
	return values.Encode()
}

func TestStateReturnsLatestSnapshot(t *testing.T) {
	env := newAPIEnv(t)
	rec := env.do(t, http.MethodGet, "/api/v1/units/HV-1/state", "prov-a", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp stateResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.State["ambient_temp"] != 92.0 {
		t.Fatalf("expected latest ambient_temp 92, got %v", resp.State["ambient_temp"])
	}
	if resp.LastTelemetryAt == nil || !resp.LastTelemetryAt.Equal(base.Add(2*time.Minute)) {
		t.Fatalf("unexpected last telemetry: %v", resp.LastTelemetryAt)
	}
}

func TestUnitRoutesAreProviderScoped(t *testing.T) {
	env := newAPIEnv(t)
	if rec := env.do(t, http.MethodGet, "/api/v1/units/HV-1/state", "prov-b", nil); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
	if rec := env.do(t, http.MethodGet, "/api/v1/units/HV-9/state", "", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}

	rec := env.do(t, http.MethodGet, "/api/v1/units", "prov-b", nil)
	var list []units.Unit
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(list) != 1 || list[0].Serial != "HV-2" {
		t.Fatalf("expected only HV-2, got %+v", list)
	}
}

func TestReadingsPaginate(t *testing.T) {
	env := newAPIEnv(t)
	target := "/api/v1/units/HV-1/readings?" + rangeQuery(base, base.Add(time.Hour)) + "&limit=2"
	rec := env.do(t, http.MethodGet, target, "prov-a", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var first readingsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &first); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(first.Readings) != 2 || first.NextCursor == "" {
		t.Fatalf("expected 2 readings and a cursor, got %+v", first)
	}

	rec = env.do(t, http.MethodGet, target+"&cursor="+url.QueryEscape(first.NextCursor), "prov-a", nil)
	var second readingsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &second); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(second.Readings) != 1 || second.NextCursor != "" {
		t.Fatalf("expected final page of 1, got %+v", second)
	}
	if !second.Readings[0].TS.Equal(base.Add(2 * time.Minute)) {
		t.Fatalf("unexpected ts %v", second.Readings[0].TS)
	}
}

func TestReadingsValidateQuery(t *testing.T) {
	env := newAPIEnv(t)
	rec := env.do(t, http.MethodGet, "/api/v1/units/HV-1/readings?from=yesterday&to=today", "", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	rec = env.do(t, http.MethodGet, "/api/v1/units/HV-1/readings?"+rangeQuery(base, base.Add(time.Hour))+"&cursor=bad!", "", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad cursor, got %d", rec.Code)
	}
}

func TestRollupsAndReport(t *testing.T) {
	env := newAPIEnv(t)
	day := rollup.TierDay.Truncate(base)
	if err := env.rollups.Upsert(context.Background(), rollup.Rollup{
		UnitSerial:  "HV-1",
		Tier:        rollup.TierDay,
		BucketStart: day,
		Fields:      map[string]rollup.FieldStats{"ambient_temp": {Min: 90, Max: 92, Avg: 91, Count: 3}},
		SampleCount: 3,
		Source:      rollup.SourceRaw,
	}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	rec := env.do(t, http.MethodGet, "/api/v1/units/HV-1/rollups?tier=day&"+rangeQuery(day, day.Add(24*time.Hour)), "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var list []rollup.Rollup
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(list) != 1 || list[0].Fields["ambient_temp"].Avg != 91 {
		t.Fatalf("unexpected rollups %+v", list)
	}

	if rec := env.do(t, http.MethodGet, "/api/v1/units/HV-1/rollups?tier=week&"+rangeQuery(day, day.Add(time.Hour)), "", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad tier, got %d", rec.Code)
	}

	rec = env.do(t, http.MethodGet, "/api/v1/units/HV-1/report.pdf?"+rangeQuery(day, day.Add(24*time.Hour)), "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("Content-Type") != "application/pdf" {
		t.Fatalf("unexpected content type %q", rec.Header().Get("Content-Type"))
	}
	if rec := env.do(t, http.MethodGet, "/api/v1/units/HV-1/report.csv?"+rangeQuery(day, day.Add(24*time.Hour)), "", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for csv, got %d", rec.Code)
	}
}

func TestRegisterAndDeactivateAreAudited(t *testing.T) {
	env := newAPIEnv(t)
	body := []byte(`{"serial":"HV-3","location_id":"loc-3","refrigerant":"R-32"}`)
	rec := env.do(t, http.MethodPost, "/api/v1/units", "prov-a", body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var created units.Unit
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if created.ProviderID != "prov-a" || !created.Active {
		t.Fatalf("unexpected unit %+v", created)
	}

	if rec := env.do(t, http.MethodPost, "/api/v1/units", "prov-a", []byte(`{"serial":"HV-2","location_id":"x"}`)); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for foreign serial, got %d", rec.Code)
	}
	if rec := env.do(t, http.MethodPost, "/api/v1/units", "", []byte(`{"serial":"HV-4","location_id":"x","provider_id":"p","refrigerant":"R-999"}`)); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad refrigerant, got %d", rec.Code)
	}

	rec = env.do(t, http.MethodPost, "/api/v1/units/HV-3/deactivate", "prov-a", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if _, err := env.registry.Lookup(context.Background(), "HV-3"); err == nil {
		t.Fatalf("expected deactivated unit to be unknown to lookup")
	}

	entries := env.audit.Entries()
	if len(entries) != 2 {
		t.Fatalf("expected 2 audit entries, got %d", len(entries))
	}
	if entries[0].Action != audit.ActionUnitRegister || entries[1].Action != audit.ActionUnitDeactivate {
		t.Fatalf("unexpected actions %s, %s", entries[0].Action, entries[1].Action)
	}
	if entries[0].ProviderID != "prov-a" || entries[0].Actor != "tester" {
		t.Fatalf("unexpected identity %+v", entries[0])
	}
}
