package repo

import (
	"context"
	"errors"

	dom "listshare/internal/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrVersionMismatch is returned by conditional writes when the list moved on.
var ErrVersionMismatch = errors.New("list version mismatch")

// ListRepo persists lists with their items and shares. Every write bumps the
// list version in the same transaction and returns the post-write list.
type ListRepo interface {
	ListForUser(ctx context.Context, userID int64) ([]dom.List, error)
	Get(ctx context.Context, id string) (dom.List, error)
	Create(ctx context.Context, ownerID int64, title string) (dom.List, error)
	Rename(ctx context.Context, id, title string, expectedVersion int64) (dom.List, error)
	Delete(ctx context.Context, id string) error
	AddItems(ctx context.Context, listID string, texts []string) (dom.List, []string, error)
	UpdateItem(ctx context.Context, listID, itemID string, patch dom.ItemPatch, expectedVersion int64) (dom.List, error)
	DeleteItem(ctx context.Context, listID, itemID string) (dom.List, error)
	ReorderItems(ctx context.Context, listID string, itemIDs []string) (dom.List, error)
	UpsertShare(ctx context.Context, listID string, userID int64, perm dom.Permission) (dom.List, error)
	DeleteShare(ctx context.Context, listID string, userID int64) (dom.List, error)
}

type PGListRepo struct {
	db *pgxpool.Pool
}

func NewPGListRepo(db *pgxpool.Pool) *PGListRepo {
	return &PGListRepo{db: db}
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const listColumns = `l.id::text, l.title, l.owner_id, l.version, l.created_at, l.updated_at`

func (r *PGListRepo) ListForUser(ctx context.Context, userID int64) ([]dom.List, error) {
	query := `
		SELECT ` + listColumns + `
		FROM lists l
		WHERE l.owner_id = $1
		   OR EXISTS (SELECT 1 FROM list_shares s WHERE s.list_id = l.id AND s.user_id = $1)
		ORDER BY l.created_at ASC, l.id ASC`
	rows, err := r.db.Query(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var lists []dom.List
	for rows.Next() {
		l, err := scanList(rows)
		if err != nil {
			return nil, err
		}
		lists = append(lists, l)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := fillChildren(ctx, r.db, lists); err != nil {
		return nil, err
	}
	return lists, nil
}

func (r *PGListRepo) Get(ctx context.Context, id string) (dom.List, error) {
	return loadList(ctx, r.db, id)
}

func (r *PGListRepo) Create(ctx context.Context, ownerID int64, title string) (dom.List, error) {
	query := `
		INSERT INTO lists AS l (id, title, owner_id)
		VALUES ($1, $2, $3)
		RETURNING ` + listColumns
	l, err := scanList(r.db.QueryRow(ctx, query, uuid.NewString(), title, ownerID))
	if err != nil {
		return dom.List{}, err
	}
	l.SharedWith = []dom.Share{}
	l.Items = []dom.Item{}
	return l, nil
}

func (r *PGListRepo) Rename(ctx context.Context, id, title string, expectedVersion int64) (dom.List, error) {
	return r.mutate(ctx, id, expectedVersion, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `UPDATE lists SET title = $2 WHERE id = $1`, id, title)
		return err
	})
}

func (r *PGListRepo) Delete(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM lists WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

func (r *PGListRepo) AddItems(ctx context.Context, listID string, texts []string) (dom.List, []string, error) {
	ids := make([]string, len(texts))
	l, err := r.mutate(ctx, listID, 0, func(tx pgx.Tx) error {
		var last int
		if err := tx.QueryRow(ctx,
			`SELECT COALESCE(MAX(position), -1) FROM list_items WHERE list_id = $1`, listID,
		).Scan(&last); err != nil {
			return err
		}
		batch := &pgx.Batch{}
		for i, text := range texts {
			ids[i] = uuid.NewString()
			batch.Queue(
				`INSERT INTO list_items (id, list_id, text, position) VALUES ($1, $2, $3, $4)`,
				ids[i], listID, text, last+1+i,
			)
		}
		return tx.SendBatch(ctx, batch).Close()
	})
	if err != nil {
		return dom.List{}, nil, err
	}
	return l, ids, nil
}

func (r *PGListRepo) UpdateItem(ctx context.Context, listID, itemID string, patch dom.ItemPatch, expectedVersion int64) (dom.List, error) {
	return r.mutate(ctx, listID, expectedVersion, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE list_items
			SET text = COALESCE($3, text), completed = COALESCE($4, completed), updated_at = NOW()
			WHERE list_id = $1 AND id = $2`,
			listID, itemID, patch.Text, patch.Completed,
		)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return pgx.ErrNoRows
		}
		return nil
	})
}

func (r *PGListRepo) DeleteItem(ctx context.Context, listID, itemID string) (dom.List, error) {
	return r.mutate(ctx, listID, 0, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `DELETE FROM list_items WHERE list_id = $1 AND id = $2`, listID, itemID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return pgx.ErrNoRows
		}
		return nil
	})
}

// ReorderItems rewrites positions to match itemIDs. The caller guarantees
// itemIDs is a permutation of the list's items.
func (r *PGListRepo) ReorderItems(ctx context.Context, listID string, itemIDs []string) (dom.List, error) {
	return r.mutate(ctx, listID, 0, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for i, id := range itemIDs {
			batch.Queue(`UPDATE list_items SET position = $3 WHERE list_id = $1 AND id = $2`, listID, id, i)
		}
		return tx.SendBatch(ctx, batch).Close()
	})
}

func (r *PGListRepo) UpsertShare(ctx context.Context, listID string, userID int64, perm dom.Permission) (dom.List, error) {
	return r.mutate(ctx, listID, 0, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO list_shares (list_id, user_id, permission)
			VALUES ($1, $2, $3)
			ON CONFLICT (list_id, user_id) DO UPDATE SET permission = EXCLUDED.permission`,
			listID, userID, string(perm),
		)
		return err
	})
}

func (r *PGListRepo) DeleteShare(ctx context.Context, listID string, userID int64) (dom.List, error) {
	return r.mutate(ctx, listID, 0, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `DELETE FROM list_shares WHERE list_id = $1 AND user_id = $2`, listID, userID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return pgx.ErrNoRows
		}
		return nil
	})
}

// mutate locks the list row, checks expectedVersion (0 = unconditional), runs
// fn, bumps the version and reloads the list, all in one transaction.
func (r *PGListRepo) mutate(ctx context.Context, id string, expectedVersion int64, fn func(tx pgx.Tx) error) (dom.List, error) {
	var out dom.List
	err := pgx.BeginFunc(ctx, r.db, func(tx pgx.Tx) error {
		var version int64
		if err := tx.QueryRow(ctx, `SELECT version FROM lists WHERE id = $1 FOR UPDATE`, id).Scan(&version); err != nil {
			return err
		}
		if expectedVersion > 0 && expectedVersion != version {
			return ErrVersionMismatch
		}
		if err := fn(tx); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `UPDATE lists SET version = version + 1, updated_at = NOW() WHERE id = $1`, id); err != nil {
			return err
		}
		l, err := loadList(ctx, tx, id)
		if err != nil {
			return err
		}
		out = l
		return nil
	})
	return out, err
}

func loadList(ctx context.Context, q querier, id string) (dom.List, error) {
	l, err := scanList(q.QueryRow(ctx, `SELECT `+listColumns+` FROM lists l WHERE l.id = $1`, id))
	if err != nil {
		return dom.List{}, err
	}
	lists := []dom.List{l}
	if err := fillChildren(ctx, q, lists); err != nil {
		return dom.List{}, err
	}
	return lists[0], nil
}

// fillChildren loads items (by position) and shares for every list in place.
func fillChildren(ctx context.Context, q querier, lists []dom.List) error {
	if len(lists) == 0 {
		return nil
	}
	ids := make([]string, len(lists))
	index := make(map[string]int, len(lists))
	for i := range lists {
		ids[i] = lists[i].ID
		index[lists[i].ID] = i
		lists[i].Items = []dom.Item{}
		lists[i].SharedWith = []dom.Share{}
	}

	rows, err := q.Query(ctx, `
		SELECT list_id::text, id::text, text, completed
		FROM list_items WHERE list_id = ANY($1::uuid[])
		ORDER BY list_id, position, created_at`, ids)
	if err != nil {
		return err
	}
	for rows.Next() {
		var listID string
		var it dom.Item
		if err := rows.Scan(&listID, &it.ID, &it.Text, &it.Completed); err != nil {
			rows.Close()
			return err
		}
		i := index[listID]
		lists[i].Items = append(lists[i].Items, it)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	rows, err = q.Query(ctx, `
		SELECT s.list_id::text, s.user_id, u.username, s.permission
		FROM list_shares s JOIN users u ON u.id = s.user_id
		WHERE s.list_id = ANY($1::uuid[])
		ORDER BY s.list_id, s.created_at, s.user_id`, ids)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var listID, perm string
		var s dom.Share
		if err := rows.Scan(&listID, &s.UserID, &s.Username, &perm); err != nil {
			return err
		}
		s.Permission = dom.Permission(perm)
		i := index[listID]
		lists[i].SharedWith = append(lists[i].SharedWith, s)
	}
	return rows.Err()
}

func scanList(row pgx.Row) (dom.List, error) {
	var l dom.List
	err := row.Scan(&l.ID, &l.Title, &l.OwnerID, &l.Version, &l.CreatedAt, &l.UpdatedAt)
	return l, err
}
