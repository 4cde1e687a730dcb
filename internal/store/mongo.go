package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/growledge/trading-engine/internal/model"
)

// MongoStore implements Store on MongoDB with the "portfolios" and "trades"
// collections. Money is stored as Decimal128. CommitTrade runs in a
// multi-document transaction, which needs a replica set.
type MongoStore struct {
	client     *mongo.Client
	portfolios *mongo.Collection
	trades     *mongo.Collection
}

// NewMongoStore creates a store on database db.
func NewMongoStore(client *mongo.Client, db string) *MongoStore {
	d := client.Database(db)
	return &MongoStore{
		client:     client,
		portfolios: d.Collection("portfolios"),
		trades:     d.Collection("trades"),
	}
}

// EnsureIndexes creates the unique user index and the trade-history index.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.portfolios.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "user_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("ensure portfolio index: %w", err)
	}
	_, err = s.trades.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "timestamp", Value: -1}, {Key: "seq", Value: -1}},
	})
	if err != nil {
		return fmt.Errorf("ensure trade index: %w", err)
	}
	return nil
}

// holdingDoc is one holdings entry. Holdings are an array, not a map, so
// tickers containing dots stay plain values.
type holdingDoc struct {
	Symbol   string               `bson:"symbol"`
	Quantity primitive.Decimal128 `bson:"quantity"`
}

type portfolioDoc struct {
	UserID      string               `bson:"user_id"`
	CashBalance primitive.Decimal128 `bson:"cash_balance"`
	Holdings    []holdingDoc         `bson:"holdings"`
	Version     int64                `bson:"version"`
	CreatedAt   time.Time            `bson:"created_at"`
	UpdatedAt   time.Time            `bson:"updated_at"`
}

type tradeDoc struct {
	ID        string               `bson:"_id"`
	UserID    string               `bson:"user_id"`
	Symbol    string               `bson:"symbol"`
	Side      string               `bson:"side"`
	Quantity  primitive.Decimal128 `bson:"quantity"`
	Price     primitive.Decimal128 `bson:"price"`
	Timestamp time.Time            `bson:"timestamp"`
	Seq       int64                `bson:"seq"`
}

func (s *MongoStore) GetPortfolio(ctx context.Context, userID string) (*model.Portfolio, error) {
	var doc portfolioDoc
	err := s.portfolios.FindOne(ctx, bson.M{"user_id": userID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("portfolio %s: %w", userID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get portfolio %s: %w", userID, err)
	}
	return doc.toModel()
}

func (s *MongoStore) CreatePortfolio(ctx context.Context, p *model.Portfolio) error {
	doc, err := newPortfolioDoc(p)
	if err != nil {
		return err
	}
	if _, err := s.portfolios.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("portfolio %s: %w", p.UserID, ErrPortfolioExists)
		}
		return fmt.Errorf("create portfolio %s: %w", p.UserID, err)
	}
	return nil
}

func (s *MongoStore) ReplacePortfolio(ctx context.Context, p *model.Portfolio, expectedVersion int64) error {
	doc, err := newPortfolioDoc(p)
	if err != nil {
		return err
	}
	res, err := s.portfolios.ReplaceOne(ctx, bson.M{"user_id": p.UserID, "version": expectedVersion}, doc)
	if err != nil {
		return fmt.Errorf("replace portfolio %s: %w", p.UserID, err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("portfolio %s at version %d: %w", p.UserID, expectedVersion, ErrVersionConflict)
	}
	return nil
}

func (s *MongoStore) CommitTrade(ctx context.Context, p *model.Portfolio, expectedVersion int64, t *model.TradeRecord) error {
	pdoc, err := newPortfolioDoc(p)
	if err != nil {
		return err
	}
	tdoc, err := newTradeDoc(t)
	if err != nil {
		return err
	}

	sess, err := s.client.StartSession()
	if err != nil {
		return fmt.Errorf("commit trade: start session: %w", err)
	}
	defer sess.EndSession(ctx)

	_, err = sess.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		res, err := s.portfolios.ReplaceOne(sc,
			bson.M{"user_id": p.UserID, "version": expectedVersion}, pdoc)
		if err != nil {
			return nil, err
		}
		if res.MatchedCount == 0 {
			return nil, fmt.Errorf("portfolio %s at version %d: %w", p.UserID, expectedVersion, ErrVersionConflict)
		}
		if _, err := s.trades.InsertOne(sc, tdoc); err != nil {
			return nil, err
		}
		return nil, nil
	})
	if err != nil {
		if errors.Is(err, ErrVersionConflict) {
			return err
		}
		return fmt.Errorf("commit trade: %w", err)
	}
	return nil
}

func (s *MongoStore) AppendTrade(ctx context.Context, t *model.TradeRecord) error {
	doc, err := newTradeDoc(t)
	if err != nil {
		return err
	}
	if _, err := s.trades.InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("insert trade %s: %w", t.ID, err)
	}
	return nil
}

func (s *MongoStore) ListTrades(ctx context.Context, userID string) ([]model.TradeRecord, error) {
	opts := options.Find().SetSort(bson.D{{Key: "timestamp", Value: -1}, {Key: "seq", Value: -1}})
	cur, err := s.trades.Find(ctx, bson.M{"user_id": userID}, opts)
	if err != nil {
		return nil, fmt.Errorf("list trades %s: %w", userID, err)
	}
	defer cur.Close(ctx)

	trades := []model.TradeRecord{}
	for cur.Next(ctx) {
		var doc tradeDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode trade: %w", err)
		}
		t, err := doc.toModel()
		if err != nil {
			return nil, err
		}
		trades = append(trades, t)
	}
	return trades, cur.Err()
}

// --- Document conversion ---

func toDecimal128(d decimal.Decimal) (primitive.Decimal128, error) {
	v, err := primitive.ParseDecimal128(d.String())
	if err != nil {
		return primitive.Decimal128{}, fmt.Errorf("decimal %s: %w", d, err)
	}
	return v, nil
}

func fromDecimal128(v primitive.Decimal128) (decimal.Decimal, error) {
	return decimal.NewFromString(v.String())
}

func newPortfolioDoc(p *model.Portfolio) (*portfolioDoc, error) {
	cash, err := toDecimal128(p.CashBalance)
	if err != nil {
		return nil, err
	}
	holdings := make([]holdingDoc, 0, len(p.Holdings))
	for sym, qty := range p.Holdings {
		q, err := toDecimal128(qty)
		if err != nil {
			return nil, err
		}
		holdings = append(holdings, holdingDoc{Symbol: sym, Quantity: q})
	}
	return &portfolioDoc{
		UserID:      p.UserID,
		CashBalance: cash,
		Holdings:    holdings,
		Version:     p.Version,
		CreatedAt:   p.CreatedAt,
		UpdatedAt:   p.UpdatedAt,
	}, nil
}

func (doc *portfolioDoc) toModel() (*model.Portfolio, error) {
	cash, err := fromDecimal128(doc.CashBalance)
	if err != nil {
		return nil, fmt.Errorf("portfolio %s cash: %w", doc.UserID, err)
	}
	p := &model.Portfolio{
		UserID:      doc.UserID,
		CashBalance: cash,
		Holdings:    make(map[string]decimal.Decimal, len(doc.Holdings)),
		Version:     doc.Version,
		CreatedAt:   doc.CreatedAt,
		UpdatedAt:   doc.UpdatedAt,
	}
	for _, h := range doc.Holdings {
		qty, err := fromDecimal128(h.Quantity)
		if err != nil {
			return nil, fmt.Errorf("portfolio %s holding %s: %w", doc.UserID, h.Symbol, err)
		}
		p.Holdings[h.Symbol] = qty
	}
	return p, nil
}

func newTradeDoc(t *model.TradeRecord) (*tradeDoc, error) {
	qty, err := toDecimal128(t.Quantity)
	if err != nil {
		return nil, err
	}
	price, err := toDecimal128(t.Price)
	if err != nil {
		return nil, err
	}
	return &tradeDoc{
		ID:        t.ID,
		UserID:    t.UserID,
		Symbol:    t.Symbol,
		Side:      string(t.Side),
		Quantity:  qty,
		Price:     price,
		Timestamp: t.Timestamp,
		Seq:       t.Sequence,
	}, nil
}

func (doc *tradeDoc) toModel() (model.TradeRecord, error) {
	qty, err := fromDecimal128(doc.Quantity)
	if err != nil {
		return model.TradeRecord{}, fmt.Errorf("trade %s quantity: %w", doc.ID, err)
	}
	price, err := fromDecimal128(doc.Price)
	if err != nil {
		return model.TradeRecord{}, fmt.Errorf("trade %s price: %w", doc.ID, err)
	}
	return model.TradeRecord{
		ID:        doc.ID,
		UserID:    doc.UserID,
		Symbol:    doc.Symbol,
		Side:      model.Side(doc.Side),
		Quantity:  qty,
		Price:     price,
		Timestamp: doc.Timestamp,
		Sequence:  doc.Seq,
	}, nil
}
