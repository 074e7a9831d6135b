package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode"
)

// Memory is a stored fact for one scope ("<chat>-<user>").
type Memory struct {
	ID             int64
	Scope          string
	Content        string
	Source         string // 'user', 'assistant', 'system'
	RelevanceScore float64
	AccessCount    int
	CreatedAt      time.Time
	LastAccessed   time.Time
}

// AddMemory stores content under scope. Re-adding the same content resets its
// relevance to 1.0.
func (s *Store) AddMemory(ctx context.Context, scope, content, source string) error {
	content = strings.TrimSpace(content)
	if scope == "" || content == "" {
		return nil
	}
	if source == "" {
		source = "user"
	}
	err := retryOnBusy(ctx, busyRetries, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO memories (scope, content, source, relevance_score, access_count, created_at, last_accessed)
			VALUES (?, ?, ?, 1.0, 0, datetime('now'), datetime('now'))
			ON CONFLICT(scope, content) DO UPDATE SET
				source = excluded.source,
				relevance_score = 1.0,
				last_accessed = datetime('now');
		`, scope, content, source)
		return err
	})
	if err != nil {
		return fmt.Errorf("add memory: %w", err)
	}
	return nil
}

// SearchMemories returns up to limit memories in scope that share at least one
// term with query, best matches first. Returned memories get their access
// stats bumped.
func (s *Store) SearchMemories(ctx context.Context, scope, query string, limit int) ([]Memory, error) {
	terms := searchTerms(query)
	if len(terms) == 0 {
		return nil, nil
	}

	// Filtering happens here rather than in SQL: SQLite's LOWER and LIKE only
	// fold ASCII, and most chats are not in English.
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, scope, content, source, relevance_score, access_count, created_at, last_accessed
		FROM memories
		WHERE scope = ?;
	`, scope)
	if err != nil {
		return nil, fmt.Errorf("search memories: %w", err)
	}
	all, err := scanMemoryRows(rows)
	rows.Close()
	if err != nil {
		return nil, fmt.Errorf("search memories: %w", err)
	}

	score := func(m Memory) float64 {
		lower := strings.ToLower(m.Content)
		hits := 0
		for _, term := range terms {
			if strings.Contains(lower, term) {
				hits++
			}
		}
		return float64(hits) * m.RelevanceScore
	}
	var memories []Memory
	for _, m := range all {
		if score(m) > 0 {
			memories = append(memories, m)
		}
	}
	sort.SliceStable(memories, func(i, j int) bool {
		si, sj := score(memories[i]), score(memories[j])
		if si != sj {
			return si > sj
		}
		return memories[i].ID > memories[j].ID
	})
	if limit > 0 && len(memories) > limit {
		memories = memories[:limit]
	}

	for _, m := range memories {
		if err := s.touchMemory(ctx, m.ID); err != nil {
			return nil, err
		}
	}
	return memories, nil
}

// ListTopMemories returns the top N memories in scope by relevance score.
func (s *Store) ListTopMemories(ctx context.Context, scope string, limit int) ([]Memory, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, scope, content, source, relevance_score, access_count, created_at, last_accessed
		FROM memories
		WHERE scope = ?
		ORDER BY relevance_score DESC, id DESC
		LIMIT ?;
	`, scope, sqlLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list memories: %w", err)
	}
	defer rows.Close()
	return scanMemoryRows(rows)
}

// DecayMemories multiplies every relevance score by factor (e.g. 0.95).
func (s *Store) DecayMemories(ctx context.Context, factor float64) error {
	err := retryOnBusy(ctx, busyRetries, func() error {
		_, err := s.db.ExecContext(ctx, `UPDATE memories SET relevance_score = relevance_score * ?;`, factor)
		return err
	})
	if err != nil {
		return fmt.Errorf("decay memories: %w", err)
	}
	return nil
}

// touchMemory increments access_count and nudges relevance back up.
func (s *Store) touchMemory(ctx context.Context, id int64) error {
	err := retryOnBusy(ctx, busyRetries, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE memories
			SET access_count = access_count + 1,
			    last_accessed = datetime('now'),
			    relevance_score = MIN(1.0, relevance_score + 0.05)
			WHERE id = ?;
		`, id)
		return err
	})
	if err != nil {
		return fmt.Errorf("touch memory: %w", err)
	}
	return nil
}

func scanMemoryRows(rows *sql.Rows) ([]Memory, error) {
	var memories []Memory
	for rows.Next() {
		var m Memory
		if err := rows.Scan(&m.ID, &m.Scope, &m.Content, &m.Source, &m.RelevanceScore, &m.AccessCount, &m.CreatedAt, &m.LastAccessed); err != nil {
			return nil, err
		}
		memories = append(memories, m)
	}
	return memories, rows.Err()
}

// searchTerms lowercases query and keeps words of three or more letters.
func searchTerms(query string) []string {
	fields := strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	seen := make(map[string]bool, len(fields))
	var out []string
	for _, f := range fields {
		if len([]rune(f)) < 3 || seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
	}
	return out
}
