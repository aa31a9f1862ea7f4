package connectors

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"

	"github.com/openidsync/openidsync/pkg/engine"
)

// multiValueSep joins multi-valued attributes inside one CSV cell.
const multiValueSep = "|"

// sftpDirConnector provisions CSV files on a remote host over SFTP, one file
// per object class named {dir}/{class}.csv. The first header column is the
// record key; remaining columns are external attributes. Multi-valued cells
// use "|" as separator.
type sftpDirConnector struct {
	addr      string
	dir       string
	sshConfig *ssh.ClientConfig
	log       zerolog.Logger

	// One file mutation at a time; the files are whole-file rewrites.
	mu     sync.Mutex
	client *ssh.Client
	sftp   *sftp.Client
}

// NewSFTPDirConnector builds the sftpdir bundle. Options: host (required),
// port (default 22), user (required), password or private_key (path to a PEM
// key), dir (default "."), timeout (default 15s).
func NewSFTPDirConnector(cfg engine.ConnectorConfig, logger zerolog.Logger) (Connector, error) {
	host := cfg.Options["host"]
	if host == "" {
		return nil, fmt.Errorf("sftpdir connector requires a host option")
	}
	user := cfg.Options["user"]
	if user == "" {
		return nil, fmt.Errorf("sftpdir connector requires a user option")
	}

	port := cfg.Options["port"]
	if port == "" {
		port = "22"
	}

	timeout := 15 * time.Second
	if raw := cfg.Options["timeout"]; raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid timeout: %w", err)
		}
		timeout = parsed
	}

	var auths []ssh.AuthMethod
	if password := cfg.Options["password"]; password != "" {
		auths = append(auths, ssh.Password(password))
	}
	if keyPath := cfg.Options["private_key"]; keyPath != "" {
		pem, err := os.ReadFile(keyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read private key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(pem)
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		auths = append(auths, ssh.PublicKeys(signer))
	}
	if len(auths) == 0 {
		return nil, fmt.Errorf("sftpdir connector requires a password or private_key option")
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey() //nolint:gosec // pinned below when host_key is set
	if raw := cfg.Options["host_key"]; raw != "" {
		key, _, _, _, err := ssh.ParseAuthorizedKey([]byte(raw))
		if err != nil {
			return nil, fmt.Errorf("failed to parse host key: %w", err)
		}
		hostKeyCallback = ssh.FixedHostKey(key)
	}

	dir := cfg.Options["dir"]
	if dir == "" {
		dir = "."
	}

	return &sftpDirConnector{
		addr: host + ":" + port,
		dir:  dir,
		sshConfig: &ssh.ClientConfig{
			User:            user,
			Auth:            auths,
			HostKeyCallback: hostKeyCallback,
			Timeout:         timeout,
		},
		log: logger.With().Str("bundle", "sftpdir").Logger(),
	}, nil
}

// connect dials lazily and reuses the session across calls. Callers hold mu.
func (c *sftpDirConnector) connect() (*sftp.Client, error) {
	if c.sftp != nil {
		return c.sftp, nil
	}

	client, err := ssh.Dial("tcp", c.addr, c.sshConfig)
	if err != nil {
		return nil, engine.NewTransientError(
			fmt.Sprintf("failed to dial %s", c.addr), err).
			WithCode(engine.ErrCodeConnector)
	}
	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		_ = client.Close()
		return nil, engine.NewTransientError("failed to open sftp session", err).
			WithCode(engine.ErrCodeConnector)
	}

	c.client = client
	c.sftp = sftpClient
	c.log.Debug().Str("addr", c.addr).Msg("SFTP session established")
	return c.sftp, nil
}

// drop closes a broken session so the next call redials. Callers hold mu.
func (c *sftpDirConnector) drop() {
	if c.sftp != nil {
		_ = c.sftp.Close()
		c.sftp = nil
	}
	if c.client != nil {
		_ = c.client.Close()
		c.client = nil
	}
}

func (c *sftpDirConnector) Search(_ context.Context, objectClass, pageToken string, pageSize int) (*engine.Page, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	header, records, err := c.readFile(objectClass)
	if err != nil {
		return nil, err
	}

	offset := 0
	if pageToken != "" {
		parsed, err := strconv.Atoi(pageToken)
		if err != nil || parsed < 0 {
			return nil, engine.NewPermanentError(
				fmt.Sprintf("invalid page token %q", pageToken), err).
				WithCode(engine.ErrCodeConnector)
		}
		offset = parsed
	}
	if pageSize <= 0 {
		pageSize = 100
	}

	page := &engine.Page{}
	for i := offset; i < len(records) && i < offset+pageSize; i++ {
		page.Objects = append(page.Objects, *rowToObject(objectClass, header, records[i]))
	}
	if offset+pageSize < len(records) {
		page.NextToken = strconv.Itoa(offset + pageSize)
	}
	return page, nil
}

func (c *sftpDirConnector) Get(_ context.Context, objectClass, key string) (*engine.ConnObject, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	header, records, err := c.readFile(objectClass)
	if err != nil {
		return nil, err
	}
	for _, row := range records {
		if len(row) > 0 && row[0] == key {
			return rowToObject(objectClass, header, row), nil
		}
	}
	return nil, notFoundRecord(objectClass, key)
}

func (c *sftpDirConnector) Create(_ context.Context, objectClass string, obj *engine.ConnObject) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	header, records, err := c.readFile(objectClass)
	if err != nil {
		return "", err
	}
	for _, row := range records {
		if len(row) > 0 && row[0] == obj.Key {
			return "", engine.NewPermanentError(
				fmt.Sprintf("record %q already exists in %s", obj.Key, objectClass), nil).
				WithCode(engine.ErrCodeConnector)
		}
	}

	header = mergeHeader(header, obj)
	records = append(records, objectToRow(header, obj))
	if err := c.writeFile(objectClass, header, records); err != nil {
		return "", err
	}
	return obj.Key, nil
}

func (c *sftpDirConnector) Update(_ context.Context, objectClass string, obj *engine.ConnObject) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	header, records, err := c.readFile(objectClass)
	if err != nil {
		return "", err
	}

	header = mergeHeader(header, obj)
	found := false
	for i, row := range records {
		if len(row) > 0 && row[0] == obj.Key {
			records[i] = objectToRow(header, obj)
			found = true
			break
		}
	}
	if !found {
		return "", notFoundRecord(objectClass, obj.Key)
	}
	if err := c.writeFile(objectClass, header, records); err != nil {
		return "", err
	}
	return obj.Key, nil
}

func (c *sftpDirConnector) Delete(_ context.Context, objectClass, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	header, records, err := c.readFile(objectClass)
	if err != nil {
		return err
	}

	kept := records[:0]
	found := false
	for _, row := range records {
		if len(row) > 0 && row[0] == key {
			found = true
			continue
		}
		kept = append(kept, row)
	}
	if !found {
		return notFoundRecord(objectClass, key)
	}
	return c.writeFile(objectClass, header, kept)
}

func (c *sftpDirConnector) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.drop()
	return nil
}

// filePath returns the remote CSV path of an object class.
func (c *sftpDirConnector) filePath(objectClass string) string {
	return path.Join(c.dir, objectClass+".csv")
}

// readFile reads and parses one class file. A missing file is an empty
// class, not an error.
func (c *sftpDirConnector) readFile(objectClass string) ([]string, [][]string, error) {
	client, err := c.connect()
	if err != nil {
		return nil, nil, err
	}

	f, err := client.Open(c.filePath(objectClass))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, nil
		}
		c.drop()
		return nil, nil, engine.NewTransientError(
			fmt.Sprintf("failed to open %s", c.filePath(objectClass)), err).
			WithCode(engine.ErrCodeConnector)
	}
	defer f.Close()

	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		return nil, nil, engine.NewPermanentError(
			fmt.Sprintf("malformed CSV in %s", c.filePath(objectClass)), err).
			WithCode(engine.ErrCodeConnector)
	}
	if len(rows) == 0 {
		return nil, nil, nil
	}
	return rows[0], rows[1:], nil
}

// writeFile rewrites one class file through a temp file and rename so
// readers never observe a partial write.
func (c *sftpDirConnector) writeFile(objectClass string, header []string, records [][]string) error {
	client, err := c.connect()
	if err != nil {
		return err
	}

	target := c.filePath(objectClass)
	tmp := target + ".tmp"

	f, err := client.Create(tmp)
	if err != nil {
		c.drop()
		return engine.NewTransientError(
			fmt.Sprintf("failed to create %s", tmp), err).
			WithCode(engine.ErrCodeConnector)
	}

	w := csv.NewWriter(f)
	if err := w.Write(header); err != nil {
		_ = f.Close()
		return writeFailed(target, err)
	}
	if err := w.WriteAll(records); err != nil {
		_ = f.Close()
		return writeFailed(target, err)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		_ = f.Close()
		return writeFailed(target, err)
	}
	if err := f.Close(); err != nil {
		return writeFailed(target, err)
	}

	if err := client.PosixRename(tmp, target); err != nil {
		c.drop()
		return writeFailed(target, err)
	}
	return nil
}

// rowToObject converts a CSV row using the header. The first column is the
// record key.
func rowToObject(objectClass string, header, row []string) *engine.ConnObject {
	obj := &engine.ConnObject{Class: objectClass, Attrs: make(map[string][]string)}
	for i, name := range header {
		if i >= len(row) {
			break
		}
		if row[i] == "" {
			continue
		}
		obj.Attrs[name] = strings.Split(row[i], multiValueSep)
		if i == 0 {
			obj.Key = row[i]
		}
	}
	return obj
}

// objectToRow converts an object into a CSV row following the header.
func objectToRow(header []string, obj *engine.ConnObject) []string {
	row := make([]string, len(header))
	for i, name := range header {
		if i == 0 {
			row[i] = obj.Key
			continue
		}
		row[i] = strings.Join(obj.Attrs[name], multiValueSep)
	}
	return row
}

// mergeHeader extends the header with attributes the file has not seen yet.
// A nil header starts from the object, key column first.
func mergeHeader(header []string, obj *engine.ConnObject) []string {
	if len(header) == 0 {
		header = []string{"key"}
	}
	seen := make(map[string]bool, len(header))
	for _, name := range header {
		seen[name] = true
	}

	names := make([]string, 0, len(obj.Attrs))
	for name := range obj.Attrs {
		if !seen[name] {
			names = append(names, name)
		}
	}
	// Deterministic column order for new attributes.
	sort.Strings(names)
	return append(header, names...)
}

func notFoundRecord(objectClass, key string) error {
	return engine.NewPermanentError(
		fmt.Sprintf("no record %q in %s", key, objectClass), nil).
		WithCode(engine.ErrCodeNotFound)
}

func writeFailed(target string, err error) error {
	return engine.NewTransientError(
		fmt.Sprintf("failed to write %s", target), err).
		WithCode(engine.ErrCodeConnector)
}
