// Package pmi implements the client side of the simple process-manager
// interface wire protocol, used during bootstrap to learn this broker's
// rank and size and to exchange overlay endpoints through the process
// manager's key-value space.
//
// The protocol is line oriented: each command is a newline-terminated
// list of space-separated key=value pairs exchanged over a socket
// inherited from the process manager (PMI_FD). Without PMI_FD the client
// degrades to a singleton session of size 1.
package pmi

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"sort"
	"strconv"
	"strings"
)

// Client speaks the simple PMI wire protocol with the process manager.
type Client struct {
	conn net.Conn
	rd   *bufio.Reader

	rank    int
	size    int
	kvsname string

	// singleton mode: no process manager, keys stay local.
	singleton bool
	kv        map[string]string
}

// Open connects to the process manager through the inherited PMI_FD
// descriptor. Without one, a singleton client (rank 0 of 1) is returned.
func Open() (*Client, error) {
	fdstr := os.Getenv("PMI_FD")
	if fdstr == "" {
		return &Client{
			rank:      0,
			size:      1,
			kvsname:   "singleton",
			singleton: true,
			kv:        make(map[string]string),
		}, nil
	}
	fd, err := strconv.Atoi(fdstr)
	if err != nil {
		return nil, fmt.Errorf("parsing PMI_FD: %w", err)
	}
	f := os.NewFile(uintptr(fd), "pmi")
	conn, err := net.FileConn(f)
	if err != nil {
		return nil, fmt.Errorf("adopting PMI_FD: %w", err)
	}
	c := &Client{conn: conn, rd: bufio.NewReader(conn)}
	if err := c.init(); err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

// Rank returns this process's rank within the job.
func (c *Client) Rank() int { return c.rank }

// Size returns the job size.
func (c *Client) Size() int { return c.size }

// KVSName returns the shared key-value space name, which doubles as the
// session identity.
func (c *Client) KVSName() string { return c.kvsname }

// Singleton reports whether the client is running without a process
// manager.
func (c *Client) Singleton() bool { return c.singleton }

func (c *Client) init() error {
	resp, err := c.roundtrip(map[string]string{
		"cmd":            "init",
		"pmi_version":    "1",
		"pmi_subversion": "1",
	})
	if err != nil {
		return err
	}
	if resp["rc"] != "" && resp["rc"] != "0" {
		return fmt.Errorf("pmi init refused: rc=%s", resp["rc"])
	}

	if c.rank, err = c.intFromEnvOrCmd("PMI_RANK", "get_my_rank", "rank"); err != nil {
		return err
	}
	if c.size, err = c.intFromEnvOrCmd("PMI_SIZE", "get_universe_size", "size"); err != nil {
		return err
	}

	resp, err = c.roundtrip(map[string]string{"cmd": "get_my_kvsname"})
	if err != nil {
		return err
	}
	c.kvsname = resp["kvsname"]
	if c.kvsname == "" {
		return fmt.Errorf("pmi: process manager returned no kvsname")
	}
	return nil
}

func (c *Client) intFromEnvOrCmd(env, cmd, field string) (int, error) {
	if v := os.Getenv(env); v != "" {
		return strconv.Atoi(v)
	}
	resp, err := c.roundtrip(map[string]string{"cmd": cmd})
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(resp[field])
}

// Put stores key=value in the shared key-value space. Visibility to
// other ranks is only guaranteed after Barrier.
func (c *Client) Put(key, value string) error {
	if c.singleton {
		c.kv[key] = value
		return nil
	}
	resp, err := c.roundtrip(map[string]string{
		"cmd":     "put",
		"kvsname": c.kvsname,
		"key":     key,
		"value":   value,
	})
	if err != nil {
		return err
	}
	if resp["rc"] != "" && resp["rc"] != "0" {
		return fmt.Errorf("pmi put %s: rc=%s", key, resp["rc"])
	}
	return nil
}

// Barrier blocks until every rank in the job has entered it.
func (c *Client) Barrier() error {
	if c.singleton {
		return nil
	}
	_, err := c.roundtrip(map[string]string{"cmd": "barrier_in"})
	return err
}

// Get reads a key published by any rank before the last barrier.
func (c *Client) Get(key string) (string, error) {
	if c.singleton {
		v, ok := c.kv[key]
		if !ok {
			return "", fmt.Errorf("pmi get %s: no such key", key)
		}
		return v, nil
	}
	resp, err := c.roundtrip(map[string]string{
		"cmd":     "get",
		"kvsname": c.kvsname,
		"key":     key,
	})
	if err != nil {
		return "", err
	}
	if resp["rc"] != "" && resp["rc"] != "0" {
		return "", fmt.Errorf("pmi get %s: rc=%s", key, resp["rc"])
	}
	return resp["value"], nil
}

// Finalize ends the PMI session.
func (c *Client) Finalize() error {
	if c.singleton {
		return nil
	}
	_, err := c.roundtrip(map[string]string{"cmd": "finalize"})
	c.conn.Close()
	return err
}

func (c *Client) roundtrip(kv map[string]string) (map[string]string, error) {
	if _, err := c.conn.Write([]byte(encodeKV(kv) + "\n")); err != nil {
		return nil, fmt.Errorf("pmi send %s: %w", kv["cmd"], err)
	}
	line, err := c.rd.ReadString('\n')
	if err != nil {
		return nil, fmt.Errorf("pmi recv after %s: %w", kv["cmd"], err)
	}
	return ParseKV(line), nil
}

// encodeKV renders a command line with cmd first and the remaining keys
// in stable order.
func encodeKV(kv map[string]string) string {
	parts := []string{"cmd=" + kv["cmd"]}
	keys := make([]string, 0, len(kv))
	for k := range kv {
		if k != "cmd" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		parts = append(parts, k+"="+kv[k])
	}
	return strings.Join(parts, " ")
}

// ParseKV parses one protocol line into its key=value pairs.
func ParseKV(line string) map[string]string {
	out := make(map[string]string)
	for _, field := range strings.Fields(strings.TrimSpace(line)) {
		if i := strings.IndexByte(field, '='); i >= 0 {
			out[field[:i]] = field[i+1:]
		}
	}
	return out
}
