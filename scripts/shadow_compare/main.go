// Command shadow_compare replays read-only requests against the Go API and
// the legacy visa portal and reports response diffs. It exits non-zero when
// a critical endpoint diverges, so it can gate the cutover pipeline.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"
)

type target struct {
	Method   string `json:"method"`
	Path     string `json:"path"`
	Critical bool   `json:"critical"`
}

type targetsFile struct {
	Targets []target `json:"targets"`
}

type result struct {
	Target         target
	LegacyStatus   int
	GoStatus       int
	StatusMatch    bool
	BodyMatch      bool
	Err            error
	DurationGo     time.Duration
	DurationLegacy time.Duration
}

func (r result) diverged() bool {
	return r.Err != nil || !r.StatusMatch || !r.BodyMatch
}

// volatileKeys are envelope fields expected to differ between any two
// responses. They are stripped before comparison.
var volatileKeys = map[string]bool{
	"processing_time_ms": true,
	"generated_at":       true,
	"issued_at":          true,
	"expires_at":         true,
}

func main() {
	var (
		goBase      string
		legacyBase  string
		targetsPath string
		token       string
		timeout     time.Duration
	)
	flag.StringVar(&goBase, "go-base", "http://localhost:8080", "Go API base URL")
	flag.StringVar(&legacyBase, "legacy-base", "http://localhost:3000", "Legacy visa portal base URL")
	flag.StringVar(&targetsPath, "targets", filepath.Join("scripts", "shadow_compare", "targets.json"), "Path to JSON targets file")
	flag.StringVar(&token, "token", os.Getenv("SHADOW_COMPARE_TOKEN"), "Bearer token sent to both APIs")
	flag.DurationVar(&timeout, "timeout", 5*time.Second, "HTTP client timeout")
	flag.Parse()

	targets, err := loadTargets(targetsPath)
	if err != nil {
		log.Fatalf("failed to load targets: %v", err)
	}

	runner := &runner{
		client:     &http.Client{Timeout: timeout},
		goBase:     goBase,
		legacyBase: legacyBase,
		token:      token,
	}

	var results []result
	breaking, optional := 0, 0
	for _, t := range targets {
		res := runner.compare(t)
		if res.diverged() {
			if t.Critical {
				breaking++
			} else {
				optional++
			}
		}
		results = append(results, res)
	}

	printReport(results)
	fmt.Printf("Breaking diffs: %d, Optional diffs: %d\n", breaking, optional)
	if breaking > 0 {
		os.Exit(1)
	}
}

func loadTargets(path string) ([]target, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var file targetsFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, err
	}
	if len(file.Targets) == 0 {
		return nil, fmt.Errorf("no targets defined in %s", path)
	}
	return file.Targets, nil
}

type runner struct {
	client     *http.Client
	goBase     string
	legacyBase string
	token      string
}

func (r *runner) compare(tgt target) result {
	res := result{Target: tgt}

	goBody, goStatus, goDur, err := r.fetch(r.goBase, tgt)
	if err != nil {
		res.Err = fmt.Errorf("go request failed: %w", err)
		return res
	}
	legacyBody, legacyStatus, legacyDur, err := r.fetch(r.legacyBase, tgt)
	if err != nil {
		res.Err = fmt.Errorf("legacy request failed: %w", err)
		return res
	}

	res.GoStatus = goStatus
	res.LegacyStatus = legacyStatus
	res.DurationGo = goDur
	res.DurationLegacy = legacyDur
	res.StatusMatch = goStatus == legacyStatus
	res.BodyMatch = bodiesEqual(goBody, legacyBody)
	return res
}

func (r *runner) fetch(base string, tgt target) ([]byte, int, time.Duration, error) {
	method := strings.ToUpper(strings.TrimSpace(tgt.Method))
	if method == "" {
		method = http.MethodGet
	}
	path := tgt.Path
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	req, err := http.NewRequest(method, strings.TrimRight(base, "/")+path, nil)
	if err != nil {
		return nil, 0, 0, err
	}
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}

	start := time.Now()
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, 0, 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("read body: %w", err)
	}
	return body, resp.StatusCode, time.Since(start), nil
}

// bodiesEqual compares responses byte-wise first, then as normalised JSON so
// key order and volatile envelope fields do not count as diffs.
func bodiesEqual(a, b []byte) bool {
	if bytes.Equal(bytes.TrimSpace(a), bytes.TrimSpace(b)) {
		return true
	}

	var aj, bj interface{}
	if err := json.Unmarshal(a, &aj); err != nil {
		return false
	}
	if err := json.Unmarshal(b, &bj); err != nil {
		return false
	}
	normalize(&aj)
	normalize(&bj)
	return reflect.DeepEqual(aj, bj)
}

// normalize strips volatile keys and collapses whole-valued floats so the
// two JSON trees compare structurally.
func normalize(v *interface{}) {
	switch val := (*v).(type) {
	case map[string]interface{}:
		for k := range val {
			if volatileKeys[k] {
				delete(val, k)
			}
		}
		for k, v2 := range val {
			normalize(&v2)
			val[k] = v2
		}
	case []interface{}:
		for i, v2 := range val {
			normalize(&v2)
			val[i] = v2
		}
	case float64:
		if val == float64(int64(val)) {
			*v = int64(val)
		}
	}
}

func printReport(results []result) {
	fmt.Println("Shadow Compare Report")
	fmt.Println("======================")
	for _, res := range results {
		status := "OK"
		if res.Err != nil {
			status = "ERROR"
		} else if !res.StatusMatch || !res.BodyMatch {
			status = "DIFF"
		}
		fmt.Printf("[%s] %s %s\n", status, res.Target.Method, res.Target.Path)
		fmt.Printf("  Go Status: %d (%s)\n", res.GoStatus, res.DurationGo)
		fmt.Printf("  Legacy Status: %d (%s)\n", res.LegacyStatus, res.DurationLegacy)
		if res.Err != nil {
			fmt.Printf("  Error: %v\n", res.Err)
		} else {
			fmt.Printf("  Status match: %t | Body match: %t | Critical: %t\n", res.StatusMatch, res.BodyMatch, res.Target.Critical)
		}
	}
}
