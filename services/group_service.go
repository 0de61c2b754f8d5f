package services

import (
	"strings"

	"coldreach/models"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type GroupInput struct {
	Name        string `json:"name" validate:"required,max=100"`
	Description string `json:"description" validate:"omitempty,max=500"`
	Color       string `json:"color" validate:"omitempty,hexcolor"`
}

type GroupUpdate struct {
	Name        *string `json:"name" validate:"omitempty,max=100"`
	Description *string `json:"description" validate:"omitempty,max=500"`
	Color       *string `json:"color" validate:"omitempty,hexcolor"`
}

// MembershipResult reports how many requested leads changed membership
type MembershipResult struct {
	GroupID   uint `json:"group_id"`
	Requested int  `json:"requested"`
	Changed   int  `json:"changed"`
}

type GroupService struct {
	DB     *gorm.DB
	Logger *logrus.Entry
}

func NewGroupService(db *gorm.DB, logger *logrus.Entry) *GroupService {
	return &GroupService{DB: db, Logger: logger}
}

// createGroup inserts a group using the given handle, which may be a transaction
func createGroup(db *gorm.DB, userID uint, in GroupInput) (*models.LeadGroup, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, NewValidationError("group name is required")
	}

	var count int64
	if err := db.Model(&models.LeadGroup{}).Where("user_id = ? AND name = ?", userID, name).Count(&count).Error; err != nil {
		return nil, err
	}
	if count > 0 {
		return nil, NewConflictError("Group '%s' already exists", name)
	}

	group := models.LeadGroup{
		UserID:      userID,
		Name:        name,
		Description: in.Description,
		Color:       in.Color,
	}
	if group.Color == "" {
		group.Color = "#3B82F6"
	}
	if err := db.Create(&group).Error; err != nil {
		if isDuplicateKey(err) {
			return nil, NewConflictError("Group '%s' already exists", name)
		}
		return nil, err
	}
	return &group, nil
}

func (s *GroupService) Create(userID uint, in GroupInput) (*models.LeadGroup, error) {
	return createGroup(s.DB, userID, in)
}

func findGroup(db *gorm.DB, userID, id uint) (*models.LeadGroup, error) {
	var group models.LeadGroup
	if err := db.Where("id = ? AND user_id = ?", id, userID).First(&group).Error; err != nil {
		if isRecordNotFound(err) {
			return nil, NewNotFoundError("Group", id)
		}
		return nil, err
	}
	return &group, nil
}

// Get loads a group with its recomputed lead count
func (s *GroupService) Get(userID, id uint) (*models.LeadGroup, error) {
	group, err := findGroup(s.DB, userID, id)
	if err != nil {
		return nil, err
	}
	if err := s.DB.Model(&models.LeadGroupMembership{}).
		Where("lead_group_id = ?", group.ID).
		Count(&group.LeadCount).Error; err != nil {
		return nil, err
	}
	return group, nil
}

// List returns all groups of the user with lead counts recomputed from membership
func (s *GroupService) List(userID uint) ([]models.LeadGroup, error) {
	var groups []models.LeadGroup
	if err := s.DB.Where("user_id = ?", userID).Order("name").Find(&groups).Error; err != nil {
		return nil, err
	}
	if len(groups) == 0 {
		return []models.LeadGroup{}, nil
	}

	type countRow struct {
		LeadGroupID uint
		Total       int64
	}
	var rows []countRow
	if err := s.DB.Model(&models.LeadGroupMembership{}).
		Select("lead_group_id, COUNT(*) AS total").
		Joins("JOIN lead_groups ON lead_groups.id = lead_group_memberships.lead_group_id").
		Where("lead_groups.user_id = ?", userID).
		Group("lead_group_id").
		Scan(&rows).Error; err != nil {
		return nil, err
	}
	counts := make(map[uint]int64, len(rows))
	for _, r := range rows {
		counts[r.LeadGroupID] = r.Total
	}
	for i := range groups {
		groups[i].LeadCount = counts[groups[i].ID]
	}
	return groups, nil
}

func (s *GroupService) Update(userID, id uint, in GroupUpdate) (*models.LeadGroup, error) {
	group, err := findGroup(s.DB, userID, id)
	if err != nil {
		return nil, err
	}
	if in.Name != nil {
		name := strings.TrimSpace(*in.Name)
		if name == "" {
			return nil, NewValidationError("group name is required")
		}
		if name != group.Name {
			var count int64
			if err := s.DB.Model(&models.LeadGroup{}).
				Where("user_id = ? AND name = ? AND id <> ?", userID, name, group.ID).
				Count(&count).Error; err != nil {
				return nil, err
			}
			if count > 0 {
				return nil, NewConflictError("Group '%s' already exists", name)
			}
			group.Name = name
		}
	}
	if in.Description != nil {
		group.Description = *in.Description
	}
	if in.Color != nil {
		group.Color = *in.Color
	}
	if err := s.DB.Save(group).Error; err != nil {
		return nil, err
	}
	return s.Get(userID, id)
}

// Delete removes the group and its memberships; leads are kept
func (s *GroupService) Delete(userID, id uint) error {
	group, err := findGroup(s.DB, userID, id)
	if err != nil {
		return err
	}
	return s.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("lead_group_id = ?", group.ID).Delete(&models.LeadGroupMembership{}).Error; err != nil {
			return err
		}
		return tx.Unscoped().Delete(group).Error
	})
}

// ownedLeadIDs filters ids down to leads owned by the user
func ownedLeadIDs(db *gorm.DB, userID uint, ids []uint) ([]uint, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var owned []uint
	err := db.Model(&models.Lead{}).Where("user_id = ? AND id IN ?", userID, ids).Pluck("id", &owned).Error
	return owned, err
}

// addMembers inserts memberships, ignoring ones that already exist
func addMembers(db *gorm.DB, groupID uint, leadIDs []uint) (int, error) {
	if len(leadIDs) == 0 {
		return 0, nil
	}
	rows := make([]models.LeadGroupMembership, 0, len(leadIDs))
	for _, id := range leadIDs {
		rows = append(rows, models.LeadGroupMembership{LeadID: id, LeadGroupID: groupID})
	}
	res := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&rows)
	return int(res.RowsAffected), res.Error
}

// AddLeads adds leads to a group. Adding an existing member is a no-op.
func (s *GroupService) AddLeads(userID, groupID uint, leadIDs []uint) (*MembershipResult, error) {
	group, err := findGroup(s.DB, userID, groupID)
	if err != nil {
		return nil, err
	}
	owned, err := ownedLeadIDs(s.DB, userID, leadIDs)
	if err != nil {
		return nil, err
	}
	if len(owned) != len(uniqueIDs(leadIDs)) {
		return nil, NewValidationError("one or more leads were not found")
	}
	changed, err := addMembers(s.DB, group.ID, owned)
	if err != nil {
		return nil, err
	}
	return &MembershipResult{GroupID: group.ID, Requested: len(leadIDs), Changed: changed}, nil
}

// RemoveLeads removes leads from a group. Removing a non-member is a no-op.
func (s *GroupService) RemoveLeads(userID, groupID uint, leadIDs []uint) (*MembershipResult, error) {
	group, err := findGroup(s.DB, userID, groupID)
	if err != nil {
		return nil, err
	}
	result := &MembershipResult{GroupID: group.ID, Requested: len(leadIDs)}
	if len(leadIDs) == 0 {
		return result, nil
	}
	res := s.DB.Where("lead_group_id = ? AND lead_id IN ?", group.ID, leadIDs).Delete(&models.LeadGroupMembership{})
	if res.Error != nil {
		return nil, res.Error
	}
	result.Changed = int(res.RowsAffected)
	return result, nil
}

// Members pages through the leads of a group
func (s *GroupService) Members(userID, groupID uint, req PageRequest) (Page[models.Lead], error) {
	if _, err := findGroup(s.DB, userID, groupID); err != nil {
		return Page[models.Lead]{}, err
	}
	leads := &LeadService{DB: s.DB, Logger: s.Logger}
	return leads.List(userID, LeadFilter{GroupID: groupID}, req)
}

// LeadIDs returns every lead id in the group
func (s *GroupService) LeadIDs(userID, groupID uint) ([]uint, error) {
	if _, err := findGroup(s.DB, userID, groupID); err != nil {
		return nil, err
	}
	var ids []uint
	err := s.DB.Model(&models.LeadGroupMembership{}).
		Where("lead_group_id = ?", groupID).
		Order("lead_id").
		Pluck("lead_id", &ids).Error
	return ids, err
}

func uniqueIDs(ids []uint) []uint {
	seen := make(map[uint]struct{}, len(ids))
	out := make([]uint, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
