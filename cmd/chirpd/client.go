package main

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
)

// statusClient is a minimal REST client for a running chirpd's status API,
// grounded on cmd/syncthing/cli/client.go's apiClient: a base address plus
// a Get that builds the /rest/... URL and checks the response status
// before handing back the body. It carries none of apiClient's TLS/API-key
// machinery, since the status API it talks to has none either.
type statusClient struct {
	addr string
}

func (c *statusClient) endpoint() string {
	addr := c.addr
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	return strings.TrimSuffix(addr, "/") + "/"
}

func (c *statusClient) Get(path string) ([]byte, error) {
	resp, err := http.Get(c.endpoint() + "rest/" + path)
	if err != nil {
		return nil, fmt.Errorf("chirpd: querying %s: %w", c.addr, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("chirpd: %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	return body, nil
}

// dumpStatus fetches path from addr's status API and writes the response
// body to stdout, mirroring cmd/syncthing/cli's dumpOutput.
func dumpStatus(addr, path string) error {
	if addr == "" {
		return errors.New("chirpd: no status API address configured")
	}
	c := &statusClient{addr: addr}
	body, err := c.Get(path)
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(body)
	return err
}
