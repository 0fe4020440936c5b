package static

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"liuproxy_broker/internal/shared/logger"
)

const (
	delimiter = "|"
	numFields = 9 // ID|Host|Port|Protocol|Country|Latency|LastChecked|FailureCount|SuccessCount
)

// Entry 是静态代理文件中的一行, 同时记录本地探测的结果。
type Entry struct {
	ID       string
	Host     string
	Port     int
	Protocol string // "http" or "socks5"
	Country  string

	Latency      time.Duration // 0 表示探测失败或未探测
	LastChecked  time.Time
	FailureCount int // 连续失败次数
	SuccessCount int // 连续成功次数

	assigned int // not persisted
}

// FileStorage 以纯文本文件保存代理列表。
type FileStorage struct {
	filePath string
	mu       sync.RWMutex
}

func NewFileStorage(filePath string) *FileStorage {
	return &FileStorage{filePath: filePath}
}

// Load reads the proxy file. Besides full lines it accepts bare
// "host:port" or "socks5://host:port" lines for manual imports.
func (fs *FileStorage) Load() (map[string]*Entry, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	l := logger.WithComponent("Provider/Storage")

	file, err := os.Open(fs.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			l.Info().Str("path", fs.filePath).Msg("Proxy file not found, starting with an empty pool.")
			return make(map[string]*Entry), nil
		}
		return nil, err
	}
	defer file.Close()

	entries := make(map[string]*Entry)
	scanner := bufio.NewScanner(file)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		var e *Entry
		if strings.Contains(line, delimiter) {
			fields := strings.Split(line, delimiter)
			if len(fields) != numFields {
				l.Warn().Int("line", lineNum).Int("expected", numFields).Int("got", len(fields)).Msg("Skipping malformed line in proxy file.")
				continue
			}
			e, err = parseEntry(fields)
		} else {
			e, err = parseImportLine(line)
		}
		if err != nil {
			l.Warn().Int("line", lineNum).Err(err).Msg("Failed to parse proxy from line, skipping.")
			continue
		}
		entries[e.ID] = e
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	l.Info().Int("count", len(entries)).Msg("Loaded proxies from file.")
	return entries, nil
}

// Save 将内存中的代理写回文件, 按 ID 排序。
func (fs *FileStorage) Save(entries map[string]*Entry) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	list := make([]*Entry, 0, len(entries))
	for _, e := range entries {
		list = append(list, e)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })

	var sb strings.Builder
	for _, e := range list {
		sb.WriteString(formatEntry(e))
		sb.WriteString("\n")
	}
	return os.WriteFile(fs.filePath, []byte(sb.String()), 0644)
}

func formatEntry(e *Entry) string {
	var lastChecked int64
	if !e.LastChecked.IsZero() {
		lastChecked = e.LastChecked.Unix()
	}
	return strings.Join([]string{
		e.ID,
		e.Host,
		strconv.Itoa(e.Port),
		e.Protocol,
		e.Country,
		strconv.FormatInt(e.Latency.Milliseconds(), 10),
		strconv.FormatInt(lastChecked, 10),
		strconv.Itoa(e.FailureCount),
		strconv.Itoa(e.SuccessCount),
	}, delimiter)
}

func parseEntry(fields []string) (*Entry, error) {
	port, err := strconv.Atoi(fields[2])
	if err != nil {
		return nil, fmt.Errorf("invalid port: %w", err)
	}
	latencyMs, err := strconv.ParseInt(fields[5], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid latency: %w", err)
	}
	lastCheckedUnix, err := strconv.ParseInt(fields[6], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid last_checked: %w", err)
	}
	failureCount, err := strconv.Atoi(fields[7])
	if err != nil {
		return nil, fmt.Errorf("invalid failure_count: %w", err)
	}
	successCount, err := strconv.Atoi(fields[8])
	if err != nil {
		return nil, fmt.Errorf("invalid success_count: %w", err)
	}

	e := &Entry{
		ID:           fields[0],
		Host:         fields[1],
		Port:         port,
		Protocol:     normalizeProtocol(fields[3]),
		Country:      strings.ToUpper(strings.TrimSpace(fields[4])),
		Latency:      time.Duration(latencyMs) * time.Millisecond,
		FailureCount: failureCount,
		SuccessCount: successCount,
	}
	if lastCheckedUnix > 0 {
		e.LastChecked = time.Unix(lastCheckedUnix, 0)
	}
	if e.ID == "" {
		e.ID = entryID(e.Host, e.Port, e.Protocol)
	}
	return e, nil
}

// parseImportLine handles "host:port", "http://host:port" and "socks5://host:port".
func parseImportLine(line string) (*Entry, error) {
	protocol := "http"
	if scheme, rest, ok := strings.Cut(line, "://"); ok {
		protocol = normalizeProtocol(scheme)
		line = rest
	}

	parts := strings.Split(line, ":")
	if len(parts) != 2 {
		return nil, fmt.Errorf("invalid proxy format '%s'", line)
	}
	port, err := strconv.Atoi(parts[1])
	if err != nil {
		return nil, fmt.Errorf("invalid port: %w", err)
	}
	return &Entry{
		ID:       entryID(parts[0], port, protocol),
		Host:     parts[0],
		Port:     port,
		Protocol: protocol,
	}, nil
}

func entryID(host string, port int, protocol string) string {
	suffix := "-H"
	if protocol == "socks5" {
		suffix = "-S"
	}
	return fmt.Sprintf("%s:%d%s", host, port, suffix)
}

func normalizeProtocol(p string) string {
	switch strings.ToLower(strings.TrimSpace(p)) {
	case "socks5", "socks5h", "socks":
		return "socks5"
	case "https":
		return "https"
	default:
		return "http"
	}
}
