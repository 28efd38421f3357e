package database

import (
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/andrey-zotov/ib-console/internal/models"
)

// Store provides explicit repository methods over the history database.
// There is no implicit cascade or lazy loading: the reconciliation engine
// calls these methods directly for every create, update and delete.
type Store struct {
	db *gorm.DB
}

// NewStore creates a store over an open database handle.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// LoadAccount returns the account with the given code along with its
// positions and orders, creating an empty account row on first sight.
func (s *Store) LoadAccount(code string) (*models.Account, error) {
	var account models.Account
	err := s.db.Preload("Positions").Preload("Orders").Where("code = ?", code).First(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		account = *models.NewAccount(code)
		if err := s.db.Create(&account).Error; err != nil {
			return nil, fmt.Errorf("failed to create account %s: %w", code, err)
		}
		return &account, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load account %s: %w", code, err)
	}
	return &account, nil
}

// SaveAccount persists the account row itself, not its children.
func (s *Store) SaveAccount(account *models.Account) error {
	return s.db.Omit("Positions", "Orders").Save(account).Error
}

// SavePosition creates or updates one position row.
func (s *Store) SavePosition(position *models.Position) error {
	return s.db.Save(position).Error
}

// DeletePosition removes a position the broker no longer reports.
func (s *Store) DeletePosition(position *models.Position) error {
	return s.db.Delete(position).Error
}

// SaveOrder creates or updates one order row.
func (s *Store) SaveOrder(order *models.Order) error {
	return s.db.Save(order).Error
}

// ActiveOrders returns the account's orders that are not cancelled.
func (s *Store) ActiveOrders(accountID uint) ([]models.Order, error) {
	var orders []models.Order
	err := s.db.Where("account_id = ? AND status NOT IN ?", accountID, []models.OrderStatus{models.OrderStatusCancelled}).
		Order("id").Find(&orders).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query active orders: %w", err)
	}
	return orders, nil
}
