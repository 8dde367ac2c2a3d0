package storage

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

type Mysql struct {
	db *sql.DB
}

func NewMysql(connString string) (*Mysql, error) {
	db, err := sql.Open("mysql", connString)
	if err != nil {
		return nil, err
	}

	if err = db.Ping(); err != nil {
		return nil, err
	}

	instance := Mysql{
		db: db,
	}

	if err = instance.createSchemaIfNotExists(); err != nil {
		return nil, err
	}

	return &instance, nil
}

func (s *Mysql) AddFill(fill Fill) error {
	_, err := s.db.Exec(`
        INSERT INTO fills
            (symbol, order_id, side, order_type, amount, price, cash_amount, fee, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		fill.Symbol,
		fill.OrderID,
		fill.Side,
		fill.OrderType,
		fill.Amount,
		fill.Price,
		fill.CashAmount,
		fill.Fee,
		fill.CreatedAt.UTC().Format("2006-01-02 15:04:05"),
	)
	if err != nil {
		return fmt.Errorf("insert fill: %w", err)
	}

	return nil
}

func (s *Mysql) Fills(symbol string) ([]Fill, error) {
	rows, err := s.db.Query(`
        SELECT
            id,
            symbol,
            order_id,
            side,
            order_type,
            amount,
            price,
            cash_amount,
            fee,
            created_at
        FROM fills
        WHERE symbol = ?
        ORDER BY id`,
		symbol,
	)
	if err != nil {
		return []Fill{}, err
	}
	defer rows.Close()

	var fills []Fill

	for rows.Next() {
		var fill Fill
		var createdAt string

		err := rows.Scan(
			&fill.ID,
			&fill.Symbol,
			&fill.OrderID,
			&fill.Side,
			&fill.OrderType,
			&fill.Amount,
			&fill.Price,
			&fill.CashAmount,
			&fill.Fee,
			&createdAt,
		)
		if err != nil {
			return []Fill{}, err
		}

		created, err := time.Parse("2006-01-02 15:04:05", createdAt)
		if err != nil {
			return []Fill{}, err
		}
		fill.CreatedAt = created

		fills = append(fills, fill)
	}

	return fills, rows.Err()
}

func (s *Mysql) createSchemaIfNotExists() error {
	q := `
        CREATE TABLE IF NOT EXISTS fills (
            id INT PRIMARY KEY AUTO_INCREMENT,
            symbol VARCHAR(32),
            order_id VARCHAR(64),
            side VARCHAR(8),
            order_type VARCHAR(8),
            amount DOUBLE,
            price DOUBLE,
            cash_amount DOUBLE,
            fee DOUBLE,
            created_at DATETIME
        )
    `

	stmt, err := s.db.Prepare(q)
	if err != nil {
		return err
	}

	_, err = stmt.Exec()
	if err != nil {
		return err
	}

	return nil
}
