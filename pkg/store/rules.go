package store

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/EcclahNdege/securewatch/pkg/model"
)

// CreateRule persists a firewall rule.
func (s *Store) CreateRule(r *model.FirewallRule) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	return s.db.Create(r).Error
}

// GetRule fetches one rule by id.
func (s *Store) GetRule(id string) (*model.FirewallRule, error) {
	var r model.FirewallRule
	if err := s.db.First(&r, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "getRule", "firewall rule %s not found", id)
	}
	return &r, nil
}

// GetRuleByNumber fetches the rule at a backend-reported position.
func (s *Store) GetRuleByNumber(number int) (*model.FirewallRule, error) {
	var r model.FirewallRule
	if err := s.db.First(&r, "number = ?", number).Error; err != nil {
		return nil, notFound(err, "getRuleByNumber", "firewall rule %d not found", number)
	}
	return &r, nil
}

// DeleteRule removes a rule by id.
func (s *Store) DeleteRule(id string) error {
	res := s.db.Delete(&model.FirewallRule{}, "id = ?", id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return notFoundRows("deleteRule", "firewall rule %s not found", id)
	}
	return nil
}

// ListRules returns rules, optionally active only, in backend order.
func (s *Store) ListRules(activeOnly bool) ([]model.FirewallRule, error) {
	q := s.db.Model(&model.FirewallRule{})
	if activeOnly {
		q = q.Where("is_active = ?", true)
	}
	var rules []model.FirewallRule
	err := q.Order("number ASC, created_at ASC").Find(&rules).Error
	return rules, err
}

// ReplaceRules swaps the whole rule table for the given set in one
// transaction, used when reconciling with the enforcement backend's ground
// truth.
func (s *Store) ReplaceRules(rules []model.FirewallRule) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("1 = 1").Delete(&model.FirewallRule{}).Error; err != nil {
			return err
		}
		for i := range rules {
			if rules[i].ID == "" {
				rules[i].ID = uuid.NewString()
			}
			if rules[i].CreatedAt.IsZero() {
				rules[i].CreatedAt = time.Now()
			}
			if err := tx.Create(&rules[i]).Error; err != nil {
				return err
			}
		}
		return nil
	})
}
