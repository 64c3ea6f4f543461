package vast

import (
	"fmt"
	"time"
)

// Offer is a rentable GPU slot as advertised by the marketplace search API.
// It is an immutable snapshot; prices are USD per hour.
type Offer struct {
	ID           int64   `json:"id"`
	GPUName      string  `json:"gpu_name"`
	NumGPUs      int     `json:"num_gpus"`
	PricePerHour float64 `json:"dph_total"`
	DiskGB       float64 `json:"disk_space"`
	Region       string  `json:"geolocation"`
	Reliability  float64 `json:"reliability"`
	InetDown     float64 `json:"inet_down"`
	DLPerf       float64 `json:"dlperf"`
	Verified     bool    `json:"verified"`
	Rented       bool    `json:"rented"`
}

// PortMapping describes how a container port is exposed on the host.
type PortMapping struct {
	HostIP   string `json:"HostIp"`
	HostPort string `json:"HostPort"`
}

// Instance is the marketplace's view of a rented machine. ActualStatus is the
// raw status string reported by the provider ("created", "loading", "running",
// "exited"); the lifecycle state machine lives with the instance manager.
type Instance struct {
	ID           int64                    `json:"id"`
	ActualStatus string                   `json:"actual_status"`
	GPUName      string                   `json:"gpu_name"`
	PricePerHour float64                  `json:"dph_total"`
	PublicIP     string                   `json:"public_ipaddr"`
	Ports        map[string][]PortMapping `json:"ports"`
	SSHHost      string                   `json:"ssh_host"`
	SSHPort      int                      `json:"ssh_port"`
	DiskGB       float64                  `json:"disk_space"`
	StartDate    float64                  `json:"start_date"`
	Label        string                   `json:"label"`
}

// RuntimeAddr returns the externally reachable host:port for a container port,
// if the marketplace has published a mapping for it yet.
func (i Instance) RuntimeAddr(containerPort int) (string, bool) {
	mappings, ok := i.Ports[fmt.Sprintf("%d/tcp", containerPort)]
	if !ok || len(mappings) == 0 {
		return "", false
	}
	m := mappings[0]
	if m.HostPort == "" {
		return "", false
	}
	// Mappings usually bind 0.0.0.0; the reachable address is the public IP.
	host := i.PublicIP
	if host == "" {
		host = m.HostIP
	}
	if host == "" || host == "0.0.0.0" {
		return "", false
	}
	return fmt.Sprintf("%s:%s", host, m.HostPort), true
}

// StartedAt converts the provider's epoch start date to a time.Time.
func (i Instance) StartedAt() time.Time {
	if i.StartDate <= 0 {
		return time.Time{}
	}
	return time.Unix(int64(i.StartDate), 0).UTC()
}

// SearchQuery narrows an offer search. Zero values leave the corresponding
// qualifier out of the request.
type SearchQuery struct {
	GPUName        string  `json:"gpu_name,omitempty"`
	MaxPrice       float64 `json:"max_dph,omitempty"`
	MinReliability float64 `json:"min_reliability,omitempty"`
	MinDLPerf      float64 `json:"min_dlperf,omitempty"`
	VerifiedOnly   bool    `json:"verified,omitempty"`
	UnrentedOnly   bool    `json:"unrented,omitempty"`
}

// CreateRequest asks the marketplace to rent an offer.
type CreateRequest struct {
	OfferID    int64   `json:"offer_id"`
	Image      string  `json:"image"`
	DiskGB     float64 `json:"disk"`
	OnstartCmd string  `json:"onstart_cmd,omitempty"`
	Label      string  `json:"label,omitempty"`
}
