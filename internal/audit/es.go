package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"github.com/elastic/go-elasticsearch/v9"

	"github.com/Skotchmaster/kicklock/internal/models"
)

const DefaultIndex = "security_logs"

func NewESClient(url, user, password string) (*elasticsearch.Client, error) {
	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: []string{url},
		Username:  user,
		Password:  password,
	})
	if err != nil {
		return nil, fmt.Errorf("elasticsearch client: %w", err)
	}

	res, err := client.Info()
	if err != nil {
		return nil, fmt.Errorf("elasticsearch info: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		body, _ := io.ReadAll(res.Body)
		return nil, fmt.Errorf("elasticsearch error %s: %s", res.Status(), body)
	}
	return client, nil
}

type ESMirror struct {
	Client *elasticsearch.Client
	Index  string
}

func (m *ESMirror) index() string {
	if m.Index == "" {
		return DefaultIndex
	}
	return m.Index
}

func (m *ESMirror) IndexLog(ctx context.Context, entry models.SecurityLog) error {
	body, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	res, err := m.Client.Index(
		m.index(),
		bytes.NewReader(body),
		m.Client.Index.WithContext(ctx),
		m.Client.Index.WithDocumentID(strconv.FormatUint(uint64(entry.ID), 10)),
	)
	if err != nil {
		return fmt.Errorf("index security log: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("index security log: %s", res.Status())
	}
	return nil
}

func (m *ESMirror) SearchLogs(ctx context.Context, q string, from, size int) (int64, []models.SecurityLog, error) {
	body := map[string]any{
		"query": map[string]any{
			"multi_match": map[string]any{
				"query":     q,
				"fields":    []string{"event_type^2", "event_data"},
				"fuzziness": "AUTO",
			},
		},
		"sort": []any{map[string]any{"timestamp": map[string]any{"order": "desc"}}},
		"from": from,
		"size": size,
	}

	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(body); err != nil {
		return 0, nil, fmt.Errorf("search security logs: %w", err)
	}

	res, err := m.Client.Search(
		m.Client.Search.WithContext(ctx),
		m.Client.Search.WithIndex(m.index()),
		m.Client.Search.WithBody(&buf),
	)
	if err != nil {
		return 0, nil, fmt.Errorf("search security logs: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return 0, nil, fmt.Errorf("search security logs: %s", res.Status())
	}

	var r struct {
		Hits struct {
			Total struct{ Value int64 } `json:"total"`
			Hits  []struct {
				Source models.SecurityLog `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.NewDecoder(res.Body).Decode(&r); err != nil {
		return 0, nil, err
	}

	logs := make([]models.SecurityLog, len(r.Hits.Hits))
	for i, hit := range r.Hits.Hits {
		logs[i] = hit.Source
	}
	return r.Hits.Total.Value, logs, nil
}
