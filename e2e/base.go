package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gookit/color"
	"github.com/stretchr/testify/suite"

	"crewlink/auth"
	"crewlink/client"
	"crewlink/domain/event"
)

const stepTimeout = 10 * time.Second

// BaseSuite carries the environment configuration and the dial/login
// helpers every scenario builds on.
type BaseSuite struct {
	suite.Suite
	Config Config
}

// SetupSuite loads the environment configuration before running tests
func (s *BaseSuite) SetupSuite() {
	var err error
	s.Config, err = LoadConfig()
	s.Require().NoError(err)
	if s.Config.ServerAddr == "" {
		s.T().Skip("E2E_SERVER_ADDR not set, skipping end-to-end suite")
	}
}

// Banner prints a colorized header for a scenario step in logs
func (s *BaseSuite) Banner(name string) {
	header := fmt.Sprintf("  ====== %s ======", name)
	if s.Config.Colours {
		header = color.New(color.BgBlack, color.FgGreen).Render(header)
	}
	s.T().Log(header)
}

// Login exchanges credentials for a token pair over the HTTP API.
func (s *BaseSuite) Login(email, password string) auth.TokenPair {
	body, err := json.Marshal(map[string]string{"email": email, "password": password})
	s.Require().NoError(err)

	url := fmt.Sprintf("http://%s/v1/login", s.Config.ServerAddr)
	resp, err := http.Post(url, "application/json", bytes.NewReader(body))
	s.Require().NoError(err, "Failed to reach the gateway at "+url)
	defer resp.Body.Close()
	s.Require().Equal(http.StatusOK, resp.StatusCode, "login rejected for "+email)

	var pair auth.TokenPair
	s.Require().NoError(json.NewDecoder(resp.Body).Decode(&pair))
	return pair
}

// DialAs logs a fixture account in and opens its websocket.
func (s *BaseSuite) DialAs(name, email, password string) *client.Client {
	s.Banner(name)
	pair := s.Login(email, password)

	ctx, cancel := context.WithTimeout(context.Background(), stepTimeout)
	defer cancel()
	c, err := client.Dial(ctx, client.Options{
		URL:          fmt.Sprintf("ws://%s/ws", s.Config.ServerAddr),
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
	})
	s.Require().NoError(err, "Failed to connect as "+email)
	s.T().Logf("connected as %s (user %s, socket %s)", email, c.UserID, c.SocketID)
	return c
}

// Call sends a request frame and waits for its correlated reply, with
// timing and optional JSON body logging.
func (s *BaseSuite) Call(c *client.Client, name event.Name, payload any) event.Event {
	ctx, cancel := context.WithTimeout(context.Background(), stepTimeout)
	defer cancel()

	start := time.Now()
	reply, err := c.Request(ctx, name, payload)

	logBuilder := strings.Builder{}
	outcome := "ok"
	if err != nil {
		outcome = "rejected"
	}
	fmt.Fprintf(&logBuilder, "WS %s [%s] in %v", name, outcome, time.Since(start))

	// Log full JSON request/reply bodies if E2E_DEBUG_JSON is enabled
	if s.Config.DebugJSON {
		fmt.Fprintln(&logBuilder, "\nREQUEST:")
		fmt.Fprintln(&logBuilder, s.renderJSON(payload))
		if err != nil {
			fmt.Fprintln(&logBuilder, "ERROR:", err)
		} else {
			fmt.Fprintln(&logBuilder, "REPLY:")
			fmt.Fprintln(&logBuilder, s.renderJSON(reply))
		}
	}
	s.T().Log(logBuilder.String())

	s.Require().NoError(err)
	return reply
}

// Expect waits for the next broadcast event of the given type.
func (s *BaseSuite) Expect(c *client.Client, name event.Name) event.Event {
	ctx, cancel := context.WithTimeout(context.Background(), stepTimeout)
	defer cancel()

	evt, err := c.Expect(ctx, name)
	s.Require().NoError(err, "never received a %s event", name)
	if s.Config.DebugJSON {
		s.T().Logf("WS <- %s\n%s", name, s.renderJSON(evt))
	}
	return evt
}

func (s *BaseSuite) renderJSON(v any) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("<unmarshalable: %v>", err)
	}
	return string(data)
}
