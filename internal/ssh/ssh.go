package ssh

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	xssh "golang.org/x/crypto/ssh"
)

type Client struct {
	Addr       string
	User       string
	Signer     xssh.Signer
	KnownHosts xssh.HostKeyCallback
	Timeout    time.Duration
}

func (c *Client) makeConfig() (*xssh.ClientConfig, error) {
	if c.Signer == nil {
		return nil, errors.New("ssh: signer required")
	}
	if c.KnownHosts == nil {
		return nil, errors.New("ssh: host key callback required")
	}
	return &xssh.ClientConfig{
		User:            c.User,
		Auth:            []xssh.AuthMethod{xssh.PublicKeys(c.Signer)},
		HostKeyCallback: c.KnownHosts,
		Timeout:         c.Timeout,
	}, nil
}

// Dial establishes an SSH connection using the provided client configuration.
// The caller is responsible for closing the returned client.
func Dial(ctx context.Context, c *Client) (*xssh.Client, error) {
	cfg, err := c.makeConfig()
	if err != nil {
		return nil, err
	}
	type res struct {
		cli *xssh.Client
		err error
	}
	ch := make(chan res, 1)
	go func() {
		cli, err := xssh.Dial("tcp", c.Addr, cfg)
		ch <- res{cli: cli, err: err}
	}()
	select {
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.cli != nil {
				_ = r.cli.Close()
			}
		}()
		return nil, ctx.Err()
	case r := <-ch:
		if r.err != nil {
			return nil, fmt.Errorf("dial %s: %w", c.Addr, r.err)
		}
		return r.cli, nil
	}
}

// ParseTarget splits user@host[:port]. The port defaults to defaultPort.
func ParseTarget(target string, defaultPort int) (user, addr string, err error) {
	at := strings.LastIndex(target, "@")
	if at <= 0 || at == len(target)-1 {
		return "", "", fmt.Errorf("ssh target %q: want user@host[:port]", target)
	}
	user, hostPort := target[:at], target[at+1:]
	if h, p, splitErr := net.SplitHostPort(hostPort); splitErr == nil {
		if _, convErr := strconv.Atoi(p); convErr != nil {
			return "", "", fmt.Errorf("ssh target %q: bad port %q", target, p)
		}
		return user, net.JoinHostPort(h, p), nil
	}
	if defaultPort <= 0 {
		defaultPort = 22
	}
	return user, net.JoinHostPort(strings.Trim(hostPort, "[]"), strconv.Itoa(defaultPort)), nil
}
