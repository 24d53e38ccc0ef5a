package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/opsight/opscheck/internal/config"
	"github.com/opsight/opscheck/internal/probe"
)

func serviceCommands(rt *runtime) []*cli.Command {
	return []*cli.Command{
		{
			Name:   "login",
			Usage:  "Log in to the running backend and show the session user",
			Action: rt.login,
		},
		{
			Name:      "invoke",
			Usage:     "Send one request with a logged-in session",
			ArgsUsage: "METHOD PATH",
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "data", Aliases: []string{"d"}, Usage: "JSON request body"},
				&cli.BoolFlag{Name: "anonymous", Usage: "Skip login and send the request without a session"},
				&cli.IntFlag{Name: "expect", Usage: "Fail unless the response has this status"},
			},
			Action: rt.invoke,
		},
		{
			Name:  "paths",
			Usage: "List the API paths registered in the OpenAPI document",
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "match", Aliases: []string{"m"}, Usage: "Only paths containing this text"},
			},
			Action: rt.paths,
		},
		{
			Name:  "probe",
			Usage: "Log in and run the configured probe plan",
			Flags: []cli.Flag{
				&cli.BoolFlag{Name: "strict", Usage: "Exit non-zero when a probe misses its expected status"},
			},
			Action: rt.probe,
		},
	}
}

type sessionInfo struct {
	Session  string         `json:"session" yaml:"session"`
	Message  string         `json:"message,omitempty" yaml:"message,omitempty"`
	Role     string         `json:"role" yaml:"role"`
	Identity string         `json:"identity,omitempty" yaml:"identity,omitempty"`
	User     map[string]any `json:"user" yaml:"user"`
}

func (rt *runtime) login(c *cli.Context) error {
	sess, err := rt.client().Authenticate(c.Context, rt.credentials())
	if err != nil {
		return err
	}
	info := sessionInfo{
		Session:  sess.ID,
		Message:  sess.Message,
		Role:     sess.Role(),
		Identity: sess.Identity(),
		User:     sess.User,
	}
	return render(rt.out, []sessionInfo{info}, []string{"SESSION", "USER", "ROLE", "IDENTITY"}, func(s sessionInfo) []string {
		return []string{s.Session, cell(s.User["username"]), s.Role, s.Identity}
	})
}

type invokeResult struct {
	Method string `json:"method" yaml:"method"`
	URL    string `json:"url" yaml:"url"`
	Status int    `json:"status" yaml:"status"`
	Body   any    `json:"body" yaml:"body"`
}

func (rt *runtime) invoke(c *cli.Context) error {
	if c.NArg() != 2 {
		return fmt.Errorf("invoke: expected METHOD and PATH arguments")
	}
	method, path := strings.ToUpper(c.Args().Get(0)), c.Args().Get(1)

	client := rt.client()
	var sess *probe.Session
	if !c.Bool("anonymous") {
		s, err := client.Authenticate(c.Context, rt.credentials())
		if err != nil {
			return err
		}
		sess = s
	}

	resp, err := client.Invoke(c.Context, sess, method, path, c.String("data"))
	if err != nil {
		return err
	}

	if rt.out.format == formatTable {
		fmt.Fprintf(rt.out.w, "%s %s -> %d %s\n", resp.Method, resp.URL, resp.Status, http.StatusText(resp.Status))
		fmt.Fprintln(rt.out.w, string(resp.Body))
	} else {
		body, jerr := resp.JSON()
		if jerr != nil {
			body = string(resp.Body)
		}
		if err := rt.out.encode(invokeResult{resp.Method, resp.URL, resp.Status, body}); err != nil {
			return err
		}
	}

	if want := c.Int("expect"); want != 0 && resp.Status != want {
		return fmt.Errorf("%s %s: status %d, want %d", resp.Method, path, resp.Status, want)
	}
	return nil
}

func (rt *runtime) paths(c *cli.Context) error {
	ps, err := rt.client().DiscoverPaths(c.Context)
	if err != nil {
		return err
	}
	matched := ps.Matching(c.String("match"))
	return render(rt.out, matched, []string{"PATH"}, func(p string) []string {
		return []string{p}
	})
}

// probePlan converts configured probes, falling back to the defaults.
func probePlan(cfg *config.Config) probe.Plan {
	plan := probe.Plan{Credentials: probe.Credentials{
		Username: cfg.Service.Username,
		Password: cfg.Service.Password,
	}}
	if len(cfg.Probes) == 0 {
		plan.Probes = probe.DefaultProbes()
		return plan
	}
	for _, p := range cfg.Probes {
		plan.Probes = append(plan.Probes, probe.Probe{
			Name:         p.Name,
			Method:       p.Method,
			Path:         p.Path,
			Body:         p.Body,
			ExpectStatus: p.ExpectStatus,
			RequirePath:  p.RequirePath,
		})
	}
	return plan
}

func (rt *runtime) probe(c *cli.Context) error {
	results, runErr := rt.client().RunPlan(c.Context, probePlan(rt.cfg))
	if results == nil && runErr != nil {
		return runErr
	}

	err := render(rt.out, results, []string{"PROBE", "METHOD", "PATH", "STATUS", "RESULT"}, func(r probe.Result) []string {
		status := "-"
		if r.Status != 0 {
			status = strconv.Itoa(r.Status)
		}
		result := "ok"
		switch {
		case r.Skipped != "":
			result = "skipped: " + r.Skipped
		case !r.OK:
			result = "FAIL " + compact(r.Body)
		}
		return []string{r.Name, r.Method, r.Path, status, result}
	})
	if err != nil {
		return err
	}
	if runErr != nil {
		return runErr
	}

	if c.Bool("strict") && !probe.Passed(results) {
		failed := 0
		for _, r := range results {
			if r.Skipped == "" && !r.OK {
				failed++
			}
		}
		return fmt.Errorf("%d of %d probes failed", failed, len(results))
	}
	return nil
}

// compact squeezes a JSON body onto one line for table cells.
func compact(body string) string {
	var v any
	if err := json.Unmarshal([]byte(body), &v); err == nil {
		if b, err := json.Marshal(v); err == nil {
			return string(b)
		}
	}
	return strings.Join(strings.Fields(body), " ")
}
