package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
	"github.com/spf13/pflag"

	"fleetnav/internal/domain"
)

type client struct {
	baseURL string
	http    *http.Client
}

type embeddedServer struct {
	cmd *exec.Cmd
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "monitor failed: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		addr       string
		interval   time.Duration
		embedded   bool
		binary     string
		configPath string
	)
	flagSet := pflag.NewFlagSet("monitor", pflag.ContinueOnError)
	flagSet.StringVar(&addr, "addr", "http://127.0.0.1:5000", "fleetnav base URL")
	flagSet.DurationVar(&interval, "interval", time.Second, "refresh interval")
	flagSet.BoolVar(&embedded, "embedded", false, "start fleetnav alongside the monitor")
	flagSet.StringVar(&binary, "fleetnav-bin", "", "path to the fleetnav binary (embedded mode)")
	flagSet.StringVar(&configPath, "config", "", "config file passed to the embedded fleetnav")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	c := &client{
		baseURL: strings.TrimRight(addr, "/"),
		http: &http.Client{
			Timeout: 5 * time.Second,
		},
	}

	if embedded {
		proc, err := startEmbeddedServer(addr, binary, configPath)
		if err != nil {
			return fmt.Errorf("start embedded fleetnav: %w", err)
		}
		defer proc.Stop()
	}

	if err := waitHealth(c, 30*time.Second); err != nil {
		return fmt.Errorf("fleetnav health check failed: %w", err)
	}

	app := tview.NewApplication()

	gridView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	gridView.SetTitle("Field").SetBorder(true)

	roversTable := tview.NewTable().
		SetBorders(false).
		SetSelectable(true, false)
	roversTable.SetTitle("Rovers (wasd move, r reset, 1-4 task, F5 refresh, F10 quit)").SetBorder(true)

	planView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	planView.SetTitle("Coordination Plan").SetBorder(true)

	statsView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	statsView.SetTitle("Field Stats").SetBorder(true)

	decisionsView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	decisionsView.SetTitle("Decisions").SetBorder(true)

	statusView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	statusView.SetBorder(true).SetTitle("Status")
	statusView.SetText(fmt.Sprintf("Connected to %s | embedded=%t", c.baseURL, embedded))

	left := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(gridView, 0, 3, false).
		AddItem(statsView, 7, 0, false)
	right := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(roversTable, 0, 2, true).
		AddItem(planView, 0, 2, false).
		AddItem(decisionsView, 0, 3, false)
	mainLayout := tview.NewFlex().
		AddItem(left, 0, 1, false).
		AddItem(right, 0, 2, true)
	root := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(mainLayout, 0, 1, true).
		AddItem(statusView, 3, 0, false)

	var (
		mu       sync.Mutex
		selected string
		rovers   []domain.Agent
	)
	selectedRover := func() string {
		mu.Lock()
		defer mu.Unlock()
		return selected
	}

	setStatusAsync := func(msg string) {
		app.QueueUpdateDraw(func() {
			statusView.SetText(msg)
		})
	}

	refresh := func() {
		snap, err := c.snapshot()
		if err != nil {
			setStatusAsync("[red]refresh failed:[-] " + tview.Escape(err.Error()))
			return
		}
		mu.Lock()
		rovers = snap.Fleet.Rovers
		if selected == "" && len(rovers) > 0 {
			selected = rovers[0].ID
		}
		current := selected
		mu.Unlock()

		app.QueueUpdateDraw(func() {
			gridView.SetText(renderGrid(snap, current))
			renderRoversTable(roversTable, snap.Fleet.Rovers, current)
			planView.SetText(renderPlan(snap.Plan, snap.Focus))
			statsView.SetText(renderStats(snap.Farm, snap.Ledger))
			decisionsView.SetText(renderDecisions(snap.Decisions))
		})
	}

	command := func(label string, fn func(id string) error) {
		id := selectedRover()
		if id == "" {
			return
		}
		go func() {
			if err := fn(id); err != nil {
				setStatusAsync(fmt.Sprintf("[red]%s %s:[-] %s", label, id, tview.Escape(err.Error())))
				return
			}
			setStatusAsync(fmt.Sprintf("%s %s accepted", label, id))
			refresh()
		}()
	}

	roversTable.SetSelectionChangedFunc(func(row, _ int) {
		mu.Lock()
		defer mu.Unlock()
		if row <= 0 || row > len(rovers) {
			return
		}
		selected = rovers[row-1].ID
	})

	app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		switch event.Key() {
		case tcell.KeyF10:
			app.Stop()
			return nil
		case tcell.KeyF5:
			go refresh()
			return nil
		}
		if dir, ok := directionForKey(event); ok {
			command("move "+dir.String(), func(id string) error { return c.move(id, dir) })
			return nil
		}
		if event.Key() != tcell.KeyRune {
			return event
		}
		switch r := event.Rune(); {
		case r == 'r':
			command("reset", c.reset)
			return nil
		case r == 'q':
			app.Stop()
			return nil
		case r >= '1' && r <= '4':
			task := domain.TaskKinds[r-'1']
			command("assign "+task.String(), func(id string) error { return c.assign(id, task) })
			return nil
		}
		return event
	})

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		refresh()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				refresh()
			}
		}
	}()

	return app.SetRoot(root, true).EnableMouse(true).SetFocus(roversTable).Run()
}

// directionForKey maps w/a/s/d onto fleet moves. w is forward (+Y).
func directionForKey(event *tcell.EventKey) (domain.Direction, bool) {
	if event.Key() != tcell.KeyRune {
		return 0, false
	}
	switch event.Rune() {
	case 'w':
		return domain.DirectionForward, true
	case 's':
		return domain.DirectionBackward, true
	case 'a':
		return domain.DirectionLeft, true
	case 'd':
		return domain.DirectionRight, true
	}
	return 0, false
}

func waitHealth(c *client, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		req, err := http.NewRequest(http.MethodGet, c.baseURL+"/healthz", nil)
		if err == nil {
			resp, err := c.http.Do(req)
			if err == nil {
				_ = resp.Body.Close()
				if resp.StatusCode < 300 {
					return nil
				}
			}
		}
		time.Sleep(400 * time.Millisecond)
	}
	return fmt.Errorf("timeout waiting for /healthz")
}

func startEmbeddedServer(addr, binary, configPath string) (*embeddedServer, error) {
	parsed, err := url.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("parse addr: %w", err)
	}
	if parsed.Port() == "" {
		return nil, fmt.Errorf("addr must include explicit port, got %q", addr)
	}
	args := []string{"--addr", parsed.Host}
	if strings.TrimSpace(configPath) != "" {
		args = append(args, "--config", configPath)
	}

	var cmd *exec.Cmd
	if strings.TrimSpace(binary) != "" {
		cmd = exec.Command(binary, args...)
	} else {
		self, err := os.Executable()
		if err == nil {
			sibling := filepath.Join(filepath.Dir(self), "fleetnav")
			if fileExists(sibling) {
				cmd = exec.Command(sibling, args...)
			}
		}
		if cmd == nil {
			cmd = exec.Command("go", append([]string{"run", "./cmd/fleetnav"}, args...)...)
			cwd, _ := os.Getwd()
			cmd.Dir = cwd
		}
	}

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start fleetnav process: %w", err)
	}
	return &embeddedServer{cmd: cmd}, nil
}

func (e *embeddedServer) Stop() {
	if e == nil || e.cmd == nil || e.cmd.Process == nil {
		return
	}
	_ = e.cmd.Process.Kill()
	_, _ = e.cmd.Process.Wait()
}

// snapshot is one refresh worth of API reads.
type snapshot struct {
	Fleet     fleetView
	Locked    []domain.Coordinate
	Visited   []domain.VisitedNode
	Plan      domain.CoordinationPlan
	Ledger    domain.VisitationStats
	Farm      domain.FarmStats
	Decisions []domain.DecisionLog
	// Focus is the journal history of the open task shown in the plan view.
	Focus []domain.DecisionLog
}

type fleetView struct {
	Boundary boundaryView   `json:"boundary"`
	Rovers   []domain.Agent `json:"rovers"`
}

type boundaryView struct {
	MinX int `json:"min_x"`
	MaxX int `json:"max_x"`
	MinY int `json:"min_y"`
	MaxY int `json:"max_y"`
}

func (c *client) snapshot() (snapshot, error) {
	var snap snapshot
	var locked struct {
		Locked []domain.Coordinate `json:"locked"`
	}
	var visited struct {
		Nodes []domain.VisitedNode `json:"nodes"`
	}
	err := combineErrors(
		c.getJSON("/fleet", &snap.Fleet),
		c.getJSON("/ledger/locked", &locked),
		c.getJSON("/ledger/nodes", &visited),
		c.getJSON("/plan", &snap.Plan),
		c.getJSON("/ledger/stats", &snap.Ledger),
		c.getJSON("/stats", &snap.Farm),
		c.getJSON("/decisions?limit=40", &snap.Decisions),
	)
	snap.Locked = locked.Locked
	snap.Visited = visited.Nodes
	if focus, ok := focusTask(snap.Plan); ok && err == nil {
		err = c.getJSON(fmt.Sprintf("/tasks/%s/decisions?limit=8", url.PathEscape(focus.ID)), &snap.Focus)
	}
	return snap, err
}

func (c *client) move(id string, dir domain.Direction) error {
	return c.postJSON(fmt.Sprintf("/rovers/%s/move", url.PathEscape(id)), map[string]any{"direction": dir}, nil)
}

func (c *client) assign(id string, task domain.TaskKind) error {
	return c.postJSON(fmt.Sprintf("/rovers/%s/task", url.PathEscape(id)), map[string]any{"task": task}, nil)
}

func (c *client) reset(id string) error {
	return c.postJSON(fmt.Sprintf("/rovers/%s/reset", url.PathEscape(id)), nil, nil)
}

func (c *client) getJSON(path string, out any) error {
	req, err := http.NewRequest(http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("http %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	if err := json.Unmarshal(body, out); err != nil {
		return err
	}
	return nil
}

func (c *client) postJSON(path string, in any, out any) error {
	var payload io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		payload = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(http.MethodPost, c.baseURL+path, payload)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("http %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	if out == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return err
	}
	return nil
}

func fileExists(p string) bool {
	info, err := os.Stat(p)
	if err != nil {
		return false
	}
	return !info.IsDir()
}

func combineErrors(errs ...error) error {
	var parts []string
	for _, err := range errs {
		if err == nil {
			continue
		}
		parts = append(parts, err.Error())
	}
	if len(parts) == 0 {
		return nil
	}
	return errors.New(strings.Join(parts, "; "))
}
