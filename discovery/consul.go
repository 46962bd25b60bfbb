// Package discovery registers the server's listen address with consul
// and resolves service names for clients.
package discovery

import (
	"fmt"
	stdnet "net"
	"strconv"

	"github.com/hashicorp/consul/api"
	"github.com/starfall-games/netsync/log"
)

// ConsulRegistry wraps one consul agent connection.
type ConsulRegistry struct {
	client    *api.Client
	serviceID string
}

// NewConsulRegistry connects to a consul agent. An empty addr uses the
// client library's defaults (local agent or CONSUL_HTTP_ADDR).
func NewConsulRegistry(addr string) (*ConsulRegistry, error) {
	cfg := api.DefaultConfig()
	if addr != "" {
		cfg.Address = addr
	}
	client, err := api.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("consul client: %w", err)
	}
	return &ConsulRegistry{client: client}, nil
}

// Register announces listenAddr under serviceName with a TCP health
// check on the same address.
func (r *ConsulRegistry) Register(serviceName, listenAddr string) error {
	host, portStr, err := stdnet.SplitHostPort(listenAddr)
	if err != nil {
		return fmt.Errorf("split listen addr: %w", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return fmt.Errorf("parse port: %w", err)
	}

	r.serviceID = fmt.Sprintf("%s-%s-%d", serviceName, host, port)
	reg := &api.AgentServiceRegistration{
		ID:      r.serviceID,
		Name:    serviceName,
		Address: host,
		Port:    port,
		Check: &api.AgentServiceCheck{
			TCP:                            listenAddr,
			Interval:                       "10s",
			Timeout:                        "2s",
			DeregisterCriticalServiceAfter: "1m",
		},
	}
	if err := r.client.Agent().ServiceRegister(reg); err != nil {
		return fmt.Errorf("service register: %w", err)
	}
	log.Info().Str("service", serviceName).Str("addr", listenAddr).
		Msg("registered with consul")
	return nil
}

// Deregister removes the registration made by Register.
func (r *ConsulRegistry) Deregister() error {
	if r.serviceID == "" {
		return nil
	}
	if err := r.client.Agent().ServiceDeregister(r.serviceID); err != nil {
		return fmt.Errorf("service deregister: %w", err)
	}
	return nil
}

// Resolve returns the healthy addresses registered under serviceName.
func (r *ConsulRegistry) Resolve(serviceName string) ([]string, error) {
	entries, _, err := r.client.Health().Service(serviceName, "", true, nil)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", serviceName, err)
	}
	addrs := make([]string, 0, len(entries))
	for _, e := range entries {
		host := e.Service.Address
		if host == "" {
			host = e.Node.Address
		}
		addrs = append(addrs, stdnet.JoinHostPort(host, strconv.Itoa(e.Service.Port)))
	}
	return addrs, nil
}
