package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/renameio/v2"
	"gopkg.in/yaml.v3"
)

// catalogFile is the on-disk layout read by FileSource.
type catalogFile struct {
	Servers []ServerDescriptor `yaml:"servers"`
}

// FileSource reads the catalog from a YAML file. JSON is valid YAML, so
// .json files work as well.
type FileSource struct {
	Path string
}

// NewFileSource returns a source reading path.
func NewFileSource(path string) *FileSource {
	return &FileSource{Path: path}
}

// Fetch reads and decodes the file.
func (s *FileSource) Fetch(ctx context.Context) ([]ServerDescriptor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, fmt.Errorf("read catalog file: %w", err)
	}
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse catalog file %s: %w", s.Path, err)
	}
	return f.Servers, nil
}

// WriteCatalogFile atomically writes servers to path in the FileSource format.
func WriteCatalogFile(path string, servers []ServerDescriptor) error {
	data, err := yaml.Marshal(catalogFile{Servers: servers})
	if err != nil {
		return fmt.Errorf("marshal catalog: %w", err)
	}
	return renameio.WriteFile(path, data, 0644)
}

// backendServer is the record shape served by the product backend.
type backendServer struct {
	ID        json.Number `json:"id"`
	Country   string      `json:"country"`
	City      string      `json:"city"`
	Region    string      `json:"region"`
	Ping      *int        `json:"ping"`
	IsPremium bool        `json:"isPremium"`
	Hostname  string      `json:"hostname"`
	IPAddress string      `json:"ipAddress"`
	Protocol  string      `json:"protocol"`
	Port      int         `json:"port"`
	Status    string      `json:"status"`
	Load      int         `json:"load"`
}

func defaultPort(p Protocol) int {
	if p == ProtocolWireGuard {
		return 51820
	}
	return 1194
}

func (b backendServer) descriptor() (ServerDescriptor, error) {
	proto := ProtocolOpenVPN
	if strings.TrimSpace(b.Protocol) != "" {
		p, err := ParseProtocol(b.Protocol)
		if err != nil {
			return ServerDescriptor{}, fmt.Errorf("server %s: %w", b.ID, err)
		}
		proto = p
	}

	var status ServerStatus
	if err := status.UnmarshalText([]byte(b.Status)); err != nil {
		return ServerDescriptor{}, fmt.Errorf("server %s: %w", b.ID, err)
	}

	host := b.IPAddress
	if host == "" {
		host = b.Hostname
	}
	port := b.Port
	if port == 0 {
		port = defaultPort(proto)
	}

	return ServerDescriptor{
		ID:              b.ID.String(),
		Country:         b.Country,
		City:            b.City,
		Region:          b.Region,
		Hostname:        b.Hostname,
		EndpointAddress: net.JoinHostPort(host, strconv.Itoa(port)),
		Protocol:        proto,
		PremiumOnly:     b.IsPremium,
		LatencyMs:       b.Ping,
		LoadPercent:     b.Load,
		Status:          status,
	}, nil
}

// HTTPSource fetches the catalog from the backend's GET {base}/servers.
type HTTPSource struct {
	BaseURL string
	Client  *http.Client
}

// NewHTTPSource returns a source for baseURL with a bounded client.
func NewHTTPSource(baseURL string) *HTTPSource {
	return &HTTPSource{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Client:  &http.Client{Timeout: 15 * time.Second},
	}
}

// Fetch performs the request and converts the records.
func (s *HTTPSource) Fetch(ctx context.Context) ([]ServerDescriptor, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.BaseURL+"/servers", nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get servers: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("get servers: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var records []backendServer
	if err := json.NewDecoder(io.LimitReader(resp.Body, 8<<20)).Decode(&records); err != nil {
		return nil, fmt.Errorf("decode servers: %w", err)
	}

	out := make([]ServerDescriptor, 0, len(records))
	for _, r := range records {
		d, err := r.descriptor()
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}
