package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// SyncTypeLexiconUpdate is the only message type on the sync channel.
const SyncTypeLexiconUpdate = "lexicon_update"

// SyncMessage carries words added on one node to its peers. Epoch
// identifies the sending process incarnation and Version counts broadcasts
// within it, so (Epoch, Version) orders every message from one origin.
type SyncMessage struct {
	Type    string   `json:"type"`
	From    string   `json:"from"`
	Epoch   int64    `json:"epoch"`
	Version int64    `json:"version"`
	Words   []string `json:"words"`
}

// PeerInfo is the sync listener address of another node.
type PeerInfo struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// Addr returns host:port.
func (p PeerInfo) Addr() string {
	return net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
}

// ParsePeer parses a host:port string.
func ParsePeer(addr string) (PeerInfo, error) {
	host, portStr, err := net.SplitHostPort(strings.TrimSpace(addr))
	if err != nil {
		return PeerInfo{}, fmt.Errorf("parse peer %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return PeerInfo{}, fmt.Errorf("parse peer %q: invalid port", addr)
	}
	if host == "" {
		host = "localhost"
	}
	return PeerInfo{Host: host, Port: port}, nil
}

// ParseAddrList splits a comma separated address list, dropping blanks.
func ParseAddrList(csv string) []string {
	var out []string
	for _, part := range strings.Split(csv, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

var httpClient = &http.Client{Timeout: 5 * time.Second}

// GetJSON fetches url and decodes the JSON body into out.
func GetJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("http %s: %d", url, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// WriteJSON encodes v as the response body.
func WriteJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
