// Package yarn launches kernels as YARN applications through the
// resource manager's REST API: queue headroom is checked before
// submission, the application is discovered by name, and termination
// goes through the application state endpoint.
package yarn

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

// Application is the subset of the resource manager's app report the
// backend consumes.
type Application struct {
	ID                string  `json:"id"`
	Name              string  `json:"name"`
	State             string  `json:"state"`
	FinalStatus       string  `json:"finalStatus"`
	AMHostHTTPAddress string  `json:"amHostHttpAddress"`
	Progress          float64 `json:"progress"`
}

// Client talks to a YARN resource manager, optionally with an
// alternate endpoint for HA deployments. The endpoint that last
// answered stays preferred until it fails.
type Client struct {
	endpoints []string
	active    atomic.Int32
	userName  string
	http      *http.Client
}

// NewClient builds a client for the resource manager at endpoint, e.g.
// "http://rm.example.com:8088". Additional endpoints are failover
// targets.
func NewClient(endpoint string, timeout time.Duration, alternates ...string) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	endpoints := []string{strings.TrimRight(endpoint, "/")}
	for _, alt := range alternates {
		if alt != "" {
			endpoints = append(endpoints, strings.TrimRight(alt, "/"))
		}
	}
	return &Client{
		endpoints: endpoints,
		http:      &http.Client{Timeout: timeout},
	}
}

// AuthUser enables SimpleAuth pseudo authentication: every request
// carries name as the user.name query parameter.
func (c *Client) AuthUser(name string) { c.userName = name }

// try runs fn against the preferred endpoint and fails over to the
// alternates, remembering whichever endpoint answered.
func (c *Client) try(fn func(endpoint string) error) error {
	start := int(c.active.Load())
	var lastErr error
	for i := range c.endpoints {
		idx := (start + i) % len(c.endpoints)
		if err := fn(c.endpoints[idx]); err != nil {
			lastErr = err
			continue
		}
		c.active.Store(int32(idx))
		return nil
	}
	return lastErr
}

func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	if c.userName != "" {
		if query == nil {
			query = url.Values{}
		}
		query.Set("user.name", c.userName)
	}
	return c.try(func(endpoint string) error {
		u := endpoint + path
		if len(query) > 0 {
			u += "?" + query.Encode()
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return err
		}
		req.Header.Set("Accept", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return fmt.Errorf("resource manager request %s: %w", path, err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("resource manager request %s: status %s", path, resp.Status)
		}
		return json.NewDecoder(resp.Body).Decode(out)
	})
}

// Applications lists applications in the given states, optionally only
// those started at or after since.
func (c *Client) Applications(ctx context.Context, states []string, since time.Time) ([]Application, error) {
	query := url.Values{}
	if len(states) > 0 {
		query.Set("states", strings.Join(states, ","))
	}
	if !since.IsZero() {
		query.Set("startedTimeBegin", strconv.FormatInt(since.UnixMilli(), 10))
	}

	var body struct {
		Apps struct {
			App []Application `json:"app"`
		} `json:"apps"`
	}
	if err := c.get(ctx, "/ws/v1/cluster/apps", query, &body); err != nil {
		return nil, err
	}
	return body.Apps.App, nil
}

// ApplicationByName finds the application whose name contains needle.
// When several match (a restarted submission, for instance) the one
// with the greatest id wins, id order being submission order.
func (c *Client) ApplicationByName(ctx context.Context, needle string, states []string, since time.Time) (*Application, error) {
	apps, err := c.Applications(ctx, states, since)
	if err != nil {
		return nil, err
	}

	var match *Application
	for i := range apps {
		if !strings.Contains(apps[i].Name, needle) {
			continue
		}
		if match == nil || apps[i].ID > match.ID {
			match = &apps[i]
		}
	}
	return match, nil
}

// KillApplication asks the resource manager to kill the application.
// 404 means it is already gone, which callers treat as success.
func (c *Client) KillApplication(ctx context.Context, appID string) error {
	payload, err := json.Marshal(map[string]string{"state": "KILLED"})
	if err != nil {
		return err
	}
	return c.try(func(endpoint string) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPut,
			fmt.Sprintf("%s/ws/v1/cluster/apps/%s/state", endpoint, appID), bytes.NewReader(payload))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return fmt.Errorf("killing application %s: %w", appID, err)
		}
		defer resp.Body.Close()
		switch resp.StatusCode {
		case http.StatusOK, http.StatusAccepted, http.StatusNotFound:
			return nil
		}
		return fmt.Errorf("killing application %s: status %s", appID, resp.Status)
	})
}

// queue mirrors the capacity scheduler's nested queue report.
type queue struct {
	QueueName    string  `json:"queueName"`
	UsedCapacity float64 `json:"usedCapacity"`
	Queues       struct {
		Queue []queue `json:"queue"`
	} `json:"queues"`
}

// QueueUsedCapacity returns the used capacity percentage of the named
// leaf queue.
func (c *Client) QueueUsedCapacity(ctx context.Context, name string) (float64, error) {
	var body struct {
		Scheduler struct {
			SchedulerInfo queue `json:"schedulerInfo"`
		} `json:"scheduler"`
	}
	if err := c.get(ctx, "/ws/v1/cluster/scheduler", nil, &body); err != nil {
		return 0, err
	}

	if q := findQueue(body.Scheduler.SchedulerInfo, name); q != nil {
		return q.UsedCapacity, nil
	}
	return 0, fmt.Errorf("queue %q not found in scheduler report", name)
}

func findQueue(root queue, name string) *queue {
	if root.QueueName == name {
		return &root
	}
	for _, child := range root.Queues.Queue {
		if q := findQueue(child, name); q != nil {
			return q
		}
	}
	return nil
}
