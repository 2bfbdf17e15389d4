package ledger

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"math/big"
	"strings"
	"time"

	xerrors "Lighthouse-Miner/internal/errors"
	"Lighthouse-Miner/internal/mining"

	"github.com/ethereum/go-ethereum/common"
	_ "github.com/go-sql-driver/mysql"
	"github.com/shopspring/decimal"
)

// MySQLStore 使用 MySQL 长期留存账本。
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore 创建一个新的 MySQLStore。
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "MySQL DSN 不能为空")
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 MySQL 失败")
	}

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(10 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法连接到 MySQL")
	}

	store := &MySQLStore{db: db}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *MySQLStore) initSchema() error {
	schemas := []string{
		`CREATE TABLE IF NOT EXISTS liabilities (
        id VARCHAR(64) PRIMARY KEY,
        state VARCHAR(32) NOT NULL,
        round_index BIGINT UNSIGNED NOT NULL DEFAULT 0,
        address VARCHAR(42) DEFAULT '',
        create_tx VARCHAR(66) DEFAULT '',
        finalize_tx VARCHAR(66) DEFAULT '',
        create_nonce BIGINT UNSIGNED NOT NULL DEFAULT 0,
        finalize_nonce BIGINT UNSIGNED NOT NULL DEFAULT 0,
        gas_used BIGINT UNSIGNED NOT NULL DEFAULT 0,
        minted DECIMAL(65,0) NOT NULL DEFAULT 0,
        created_at DATETIME NOT NULL,
        updated_at DATETIME NOT NULL,
        INDEX idx_liabilities_state (state),
        INDEX idx_liabilities_round (round_index)
    ) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
		`CREATE TABLE IF NOT EXISTS rounds (
        round_index BIGINT UNSIGNED PRIMARY KEY,
        mode VARCHAR(16) NOT NULL,
        batch_size INT NOT NULL,
        outcome VARCHAR(16) NOT NULL,
        finalized INT NOT NULL DEFAULT 0,
        failed INT NOT NULL DEFAULT 0,
        gas_used BIGINT UNSIGNED NOT NULL DEFAULT 0,
        minted DECIMAL(65,0) NOT NULL DEFAULT 0,
        cost_wei DECIMAL(65,0) NOT NULL DEFAULT 0,
        started_at DATETIME NOT NULL,
        completed_at DATETIME NOT NULL
    ) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
		`CREATE TABLE IF NOT EXISTS sales (
        id VARCHAR(64) PRIMARY KEY,
        amount DECIMAL(65,0) NOT NULL,
        proceeds DECIMAL(65,0) NOT NULL,
        price DECIMAL(40,18) NOT NULL DEFAULT 0,
        slippage_pct DECIMAL(10,4) NOT NULL DEFAULT 0,
        sold_at DATETIME NOT NULL
    ) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	}
	for _, schema := range schemas {
		if _, err := s.db.Exec(schema); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化账本表失败")
		}
	}
	return nil
}

// SaveLiability 插入或覆盖一条责任记录。
func (s *MySQLStore) SaveLiability(ctx context.Context, l *mining.Liability) error {
	if l == nil || l.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "责任记录不能为空")
	}
	const query = `INSERT INTO liabilities
        (id, state, round_index, address, create_tx, finalize_tx, create_nonce, finalize_nonce, gas_used, minted, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON DUPLICATE KEY UPDATE
        state=VALUES(state), address=VALUES(address), finalize_tx=VALUES(finalize_tx),
        finalize_nonce=VALUES(finalize_nonce), gas_used=VALUES(gas_used),
        minted=VALUES(minted), updated_at=VALUES(updated_at)`
	_, err := s.db.ExecContext(ctx, query,
		l.ID, string(l.State), l.RoundIndex,
		l.Address.Hex(), l.CreateTxHash.Hex(), l.FinalizeTx.Hex(),
		l.CreateNonce, l.FinalizeNonce, l.GasUsed,
		bigString(l.Minted), l.CreatedAt, l.UpdatedAt,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "保存责任记录失败")
	}
	return nil
}

// GetLiability 按 ID 查询责任记录。
func (s *MySQLStore) GetLiability(ctx context.Context, id string) (*mining.Liability, error) {
	const query = `SELECT id, state, round_index, address, create_tx, finalize_tx,
        create_nonce, finalize_nonce, gas_used, minted, created_at, updated_at
        FROM liabilities WHERE id = ?`
	row := s.db.QueryRowContext(ctx, query, id)
	l, err := scanLiability(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, xerrors.New(xerrors.CodeNotFound, "责任记录不存在")
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询责任记录失败")
	}
	return l, nil
}

// ListLiabilities 按状态过滤责任记录,state 为空表示不过滤。
func (s *MySQLStore) ListLiabilities(ctx context.Context, state mining.LiabilityState, limit int) ([]*mining.Liability, error) {
	query := `SELECT id, state, round_index, address, create_tx, finalize_tx,
        create_nonce, finalize_nonce, gas_used, minted, created_at, updated_at
        FROM liabilities`
	args := make([]any, 0, 2)
	if state != "" {
		query += " WHERE state = ?"
		args = append(args, string(state))
	}
	query += " ORDER BY created_at ASC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询责任列表失败")
	}
	defer rows.Close()

	out := make([]*mining.Liability, 0)
	for rows.Next() {
		l, err := scanLiability(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析责任记录失败")
		}
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历责任记录失败")
	}
	return out, nil
}

// SaveRound 插入或覆盖一条回合记录。
func (s *MySQLStore) SaveRound(ctx context.Context, r *mining.Round) error {
	if r == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "回合记录不能为空")
	}
	const query = `INSERT INTO rounds
        (round_index, mode, batch_size, outcome, finalized, failed, gas_used, minted, cost_wei, started_at, completed_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON DUPLICATE KEY UPDATE
        outcome=VALUES(outcome), finalized=VALUES(finalized), failed=VALUES(failed),
        gas_used=VALUES(gas_used), minted=VALUES(minted), cost_wei=VALUES(cost_wei),
        completed_at=VALUES(completed_at)`
	_, err := s.db.ExecContext(ctx, query,
		r.Index, string(r.Mode), r.BatchSize, string(r.Outcome),
		r.Finalized, r.Failed, r.GasUsed,
		bigString(r.Minted), bigString(r.CostWei),
		r.StartedAt, r.CompletedAt,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "保存回合记录失败")
	}
	return nil
}

// ListRounds 返回最近的回合记录,按序号倒序。
func (s *MySQLStore) ListRounds(ctx context.Context, limit int) ([]*mining.Round, error) {
	query := `SELECT round_index, mode, batch_size, outcome, finalized, failed,
        gas_used, minted, cost_wei, started_at, completed_at
        FROM rounds ORDER BY round_index DESC`
	args := make([]any, 0, 1)
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询回合列表失败")
	}
	defer rows.Close()

	out := make([]*mining.Round, 0)
	for rows.Next() {
		var (
			r            mining.Round
			mode         string
			outcome      string
			minted, cost string
		)
		if err := rows.Scan(&r.Index, &mode, &r.BatchSize, &outcome,
			&r.Finalized, &r.Failed, &r.GasUsed, &minted, &cost,
			&r.StartedAt, &r.CompletedAt); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析回合记录失败")
		}
		r.Mode = mining.Mode(mode)
		r.Outcome = mining.RoundOutcome(outcome)
		r.Minted = parseBig(minted)
		r.CostWei = parseBig(cost)
		out = append(out, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历回合记录失败")
	}
	return out, nil
}

// SaveSale 追加一条清算记录。
func (s *MySQLStore) SaveSale(ctx context.Context, e *mining.SaleEvent) error {
	if e == nil || e.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "清算记录不能为空")
	}
	const query = `INSERT INTO sales (id, amount, proceeds, price, slippage_pct, sold_at)
        VALUES (?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		e.ID, bigString(e.Amount), bigString(e.Proceeds),
		e.Price.String(), e.SlippagePct.String(), e.At,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "保存清算记录失败")
	}
	return nil
}

// ListSales 返回最近的清算记录,按时间倒序。
func (s *MySQLStore) ListSales(ctx context.Context, limit int) ([]*mining.SaleEvent, error) {
	query := `SELECT id, amount, proceeds, price, slippage_pct, sold_at FROM sales ORDER BY sold_at DESC`
	args := make([]any, 0, 1)
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询清算列表失败")
	}
	defer rows.Close()

	out := make([]*mining.SaleEvent, 0)
	for rows.Next() {
		var (
			e                mining.SaleEvent
			amount, proceeds string
			price, slippage  string
		)
		if err := rows.Scan(&e.ID, &amount, &proceeds, &price, &slippage, &e.At); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析清算记录失败")
		}
		e.Amount = parseBig(amount)
		e.Proceeds = parseBig(proceeds)
		e.Price, _ = decimal.NewFromString(price)
		e.SlippagePct, _ = decimal.NewFromString(slippage)
		out = append(out, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历清算记录失败")
	}
	return out, nil
}

// Stats 汇总账本统计。
func (s *MySQLStore) Stats(ctx context.Context) (Stats, error) {
	st := Stats{
		Liabilities: make(map[mining.LiabilityState]int),
		TotalMinted: new(big.Int),
		TotalSold:   new(big.Int),
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT state, COUNT(*), COALESCE(SUM(minted), 0) FROM liabilities GROUP BY state`)
	if err != nil {
		return st, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询责任统计失败")
	}
	defer rows.Close()
	for rows.Next() {
		var (
			state  string
			count  int
			minted string
		)
		if err := rows.Scan(&state, &count, &minted); err != nil {
			return st, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析责任统计失败")
		}
		st.Liabilities[mining.LiabilityState(state)] = count
		st.TotalMinted.Add(st.TotalMinted, parseBig(minted))
	}
	if err := rows.Err(); err != nil {
		return st, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历责任统计失败")
	}

	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM rounds`).Scan(&st.Rounds); err != nil {
		return st, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询回合统计失败")
	}
	var sold string
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(SUM(amount), 0) FROM sales`).Scan(&sold); err != nil {
		return st, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询清算统计失败")
	}
	st.TotalSold = parseBig(sold)
	return st, nil
}

// Close 释放数据库连接。
func (s *MySQLStore) Close() error { return s.db.Close() }

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLiability(row rowScanner) (*mining.Liability, error) {
	var (
		l                             mining.Liability
		state                         string
		address, createTx, finalizeTx string
		minted                        string
	)
	if err := row.Scan(&l.ID, &state, &l.RoundIndex, &address, &createTx, &finalizeTx,
		&l.CreateNonce, &l.FinalizeNonce, &l.GasUsed, &minted,
		&l.CreatedAt, &l.UpdatedAt); err != nil {
		return nil, err
	}
	l.State = mining.LiabilityState(state)
	l.Address = common.HexToAddress(address)
	l.CreateTxHash = common.HexToHash(createTx)
	l.FinalizeTx = common.HexToHash(finalizeTx)
	l.Minted = parseBig(minted)
	return &l, nil
}

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func parseBig(v string) *big.Int {
	// SUM(DECIMAL) 可能带小数点。
	if idx := strings.IndexByte(v, '.'); idx >= 0 {
		v = v[:idx]
	}
	out, ok := new(big.Int).SetString(v, 10)
	if !ok {
		return new(big.Int)
	}
	return out
}
