// Package memory is the translation memory: a content-addressed store of
// prior translations backed by SQLite. Identical source strings share one
// entry regardless of which unit they came from, and concurrent misses on
// the same hash are collapsed into a single provider call.
package memory

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"
	_ "modernc.org/sqlite"

	"github.com/ludokit/ludokit/errs"
)

// DBFileName is the store's file name inside its base directory.
const DBFileName = "memory.db"

// schemaVersion is the current schema version, kept in user_version.
const schemaVersion = 1

// Entry is one stored translation. Entries are immutable: a forced
// overwrite inserts a new version rather than rewriting the row, so a
// rules change never silently rewrites history.
type Entry struct {
	ContentHash string
	Version     int
	SourceText  string
	TargetText  string
	SourceLang  string
	TargetLang  string
	Provider    string
	CreatedAt   time.Time
}

// Store is a translation memory backed by a single SQLite file.
// Safe for concurrent use.
type Store struct {
	db     *sql.DB
	flight singleflight.Group
}

// ContentHash derives the store key from the normalized source text and
// the language pair plus rules version. Any change to the text rules
// produces new keys, leaving old entries intact but unmatched.
func ContentHash(sourceText, sourceLang, targetLang, rulesVersion string) string {
	h := sha256.New()
	h.Write([]byte(Normalize(sourceText)))
	h.Write([]byte{0})
	h.Write([]byte(sourceLang))
	h.Write([]byte{0})
	h.Write([]byte(targetLang))
	h.Write([]byte{0})
	h.Write([]byte(rulesVersion))
	return hex.EncodeToString(h.Sum(nil))
}

// Normalize collapses whitespace differences that should not defeat a
// cache hit: CRLF to LF, trailing blanks stripped per line.
func Normalize(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

// Open opens (creating if necessary) the store under baseDir.
func Open(baseDir string) (*Store, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create memory directory: %w", err)
	}

	path := filepath.Join(baseDir, DBFileName)
	// _txlock=immediate makes Begin take the write lock up front, so a
	// concurrent Put waits on busy_timeout instead of failing the
	// read-to-write upgrade with SQLITE_BUSY.
	dsn := path + "?_txlock=immediate&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open translation memory: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func migrate(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	if version < 1 {
		schema := `
		CREATE TABLE IF NOT EXISTS entries (
		  content_hash TEXT    NOT NULL,
		  version      INTEGER NOT NULL,
		  source_text  TEXT    NOT NULL,
		  target_text  TEXT    NOT NULL,
		  source_lang  TEXT    NOT NULL,
		  target_lang  TEXT    NOT NULL,
		  provider     TEXT    NOT NULL,
		  created_at   INTEGER NOT NULL,
		  PRIMARY KEY (content_hash, version)
		);

		CREATE INDEX IF NOT EXISTS idx_entries_langs
		ON entries(source_lang, target_lang);
		`
		if _, err := db.Exec(schema); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
		if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
			return fmt.Errorf("set schema version: %w", err)
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Lookup / Put
// ---------------------------------------------------------------------------

// Lookup returns the latest entry for hash, or ok=false on a miss.
func (s *Store) Lookup(hash string) (Entry, bool, error) {
	row := s.db.QueryRow(`
		SELECT content_hash, version, source_text, target_text,
		       source_lang, target_lang, provider, created_at
		FROM entries WHERE content_hash = ?
		ORDER BY version DESC LIMIT 1`, hash)

	var e Entry
	var createdAt int64
	err := row.Scan(&e.ContentHash, &e.Version, &e.SourceText, &e.TargetText,
		&e.SourceLang, &e.TargetLang, &e.Provider, &createdAt)
	if err == sql.ErrNoRows {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("lookup %s: %w", hash, err)
	}
	e.CreatedAt = time.Unix(createdAt, 0).UTC()
	return e, true, nil
}

// Put stores an entry under its content hash. If the hash already holds
// a different target text, Put fails with a write conflict unless force
// is set, in which case a new superseding version is appended. Storing
// an identical target text is a no-op.
func (s *Store) Put(e Entry, force bool) error {
	if e.ContentHash == "" {
		return fmt.Errorf("put: empty content hash")
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("put %s: %w", e.ContentHash, err)
	}
	defer tx.Rollback()

	var latest int
	var existing string
	err = tx.QueryRow(`
		SELECT version, target_text FROM entries
		WHERE content_hash = ? ORDER BY version DESC LIMIT 1`,
		e.ContentHash).Scan(&latest, &existing)
	switch {
	case err == sql.ErrNoRows:
		e.Version = 1
	case err != nil:
		return fmt.Errorf("put %s: %w", e.ContentHash, err)
	case existing == e.TargetText:
		return nil
	case !force:
		return errs.WriteConflict(e.ContentHash)
	default:
		e.Version = latest + 1
	}

	_, err = tx.Exec(`
		INSERT INTO entries (content_hash, version, source_text, target_text,
		                     source_lang, target_lang, provider, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ContentHash, e.Version, e.SourceText, e.TargetText,
		e.SourceLang, e.TargetLang, e.Provider, e.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("put %s: %w", e.ContentHash, err)
	}
	return tx.Commit()
}

// ---------------------------------------------------------------------------
// Fetch-through
// ---------------------------------------------------------------------------

// Fetch looks up hash and, on a miss, calls translate exactly once even
// under concurrent misses on the same hash. Other callers block until
// the first result is stored and then share it. The translate callback
// returns the target text and the provider name that produced it.
func (s *Store) Fetch(hash, sourceText, sourceLang, targetLang string,
	translate func() (target, provider string, err error)) (Entry, error) {

	v, err, _ := s.flight.Do(hash, func() (any, error) {
		if e, ok, err := s.Lookup(hash); err != nil {
			return Entry{}, err
		} else if ok {
			return e, nil
		}

		target, provider, err := translate()
		if err != nil {
			return Entry{}, err
		}
		e := Entry{
			ContentHash: hash,
			SourceText:  sourceText,
			TargetText:  target,
			SourceLang:  sourceLang,
			TargetLang:  targetLang,
			Provider:    provider,
		}
		if err := s.Put(e, false); err != nil {
			// A racing writer beat us between lookup and put.
			// Their entry wins.
			if stored, ok, lerr := s.Lookup(hash); lerr == nil && ok {
				return stored, nil
			}
			return Entry{}, err
		}
		stored, _, err := s.Lookup(hash)
		if err != nil {
			return Entry{}, err
		}
		return stored, nil
	})
	if err != nil {
		return Entry{}, err
	}
	return v.(Entry), nil
}

// ---------------------------------------------------------------------------
// Stats / maintenance
// ---------------------------------------------------------------------------

// Stats summarizes the store contents.
type Stats struct {
	Entries    int            // distinct content hashes
	Versions   int            // total stored rows, superseded included
	Superseded int            // rows shadowed by a later version
	Providers  map[string]int // rows per provider
	LangPairs  map[string]int // rows per "source>target" pair
}

// Stat gathers store statistics.
func (s *Store) Stat() (Stats, error) {
	st := Stats{Providers: map[string]int{}, LangPairs: map[string]int{}}

	err := s.db.QueryRow(`
		SELECT COUNT(DISTINCT content_hash), COUNT(*) FROM entries`).
		Scan(&st.Entries, &st.Versions)
	if err != nil {
		return Stats{}, fmt.Errorf("stat: %w", err)
	}
	st.Superseded = st.Versions - st.Entries

	rows, err := s.db.Query(`
		SELECT provider, source_lang, target_lang, COUNT(*) FROM entries
		GROUP BY provider, source_lang, target_lang`)
	if err != nil {
		return Stats{}, fmt.Errorf("stat: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var provider, src, dst string
		var n int
		if err := rows.Scan(&provider, &src, &dst, &n); err != nil {
			return Stats{}, fmt.Errorf("stat: %w", err)
		}
		st.Providers[provider] += n
		st.LangPairs[src+">"+dst] += n
	}
	return st, rows.Err()
}

// Latest returns the current (highest-version) entry for every hash,
// ordered by creation time. Used by the TMX exporter.
func (s *Store) Latest() ([]Entry, error) {
	rows, err := s.db.Query(`
		SELECT e.content_hash, e.version, e.source_text, e.target_text,
		       e.source_lang, e.target_lang, e.provider, e.created_at
		FROM entries e
		JOIN (SELECT content_hash, MAX(version) AS v FROM entries
		      GROUP BY content_hash) m
		  ON e.content_hash = m.content_hash AND e.version = m.v
		ORDER BY e.created_at, e.content_hash`)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var createdAt int64
		if err := rows.Scan(&e.ContentHash, &e.Version, &e.SourceText,
			&e.TargetText, &e.SourceLang, &e.TargetLang, &e.Provider,
			&createdAt); err != nil {
			return nil, fmt.Errorf("list entries: %w", err)
		}
		e.CreatedAt = time.Unix(createdAt, 0).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}
