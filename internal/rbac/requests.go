package rbac

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/odyssey-erp/odyssey-access/internal/audit"
	"github.com/odyssey-erp/odyssey-access/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-access/internal/policy"
	"github.com/odyssey-erp/odyssey-access/internal/shared"
)

// RequestRole files a self-service request. Roles that do not require
// approval are assigned immediately and the request is stored as approved.
func (s *Service) RequestRole(ctx context.Context, requester shared.Principal, in RoleRequestInput) (policy.RoleRequest, error) {
	if !requester.Authenticated || requester.UserID <= 0 {
		return policy.RoleRequest{}, httpx.ErrUnauthorized
	}
	if err := s.validateStruct(in); err != nil {
		return policy.RoleRequest{}, err
	}
	if in.StartTime.IsZero() {
		in.StartTime = s.now()
	}
	if err := validWindow(in.StartTime, in.EndTime); err != nil {
		return policy.RoleRequest{}, err
	}
	role, err := s.store.GetRole(ctx, in.RoleID)
	if err != nil {
		return policy.RoleRequest{}, err
	}
	if !role.IsRequestable {
		return policy.RoleRequest{}, fmt.Errorf("%w: %s", ErrNotRequestable, role.Codename)
	}
	in.EndTime = clampEnd(role, in.StartTime, in.EndTime)
	request := policy.RoleRequest{
		UserID:       requester.UserID,
		RoleID:       role.ID,
		DepartmentID: in.DepartmentID,
		StartTime:    in.StartTime,
		EndTime:      in.EndTime,
		Reason:       strings.TrimSpace(in.Reason),
	}

	if role.RequiresApproval {
		var created policy.RoleRequest
		err := s.store.WithTx(ctx, func(ctx context.Context, tx policy.Tx) error {
			var err error
			created, err = tx.CreateRoleRequest(ctx, request)
			if err != nil {
				return err
			}
			ev := s.event(ctx, requester.UserID, audit.EntityRoleRequest, created.ID, audit.ActionModified, created.Reason)
			ev.SubjectUserID = created.UserID
			ev.Role = role.Codename
			ev.After = map[string]any{"status": created.Status}
			return tx.Recorder().Record(ctx, ev)
		})
		return created, err
	}

	var decided policy.RoleRequest
	err = s.mutateUser(ctx, requester.UserID, func(ctx context.Context, tx policy.Tx) error {
		created, err := tx.CreateRoleRequest(ctx, request)
		if err != nil {
			return err
		}
		assignment, err := s.assignTx(ctx, tx, requester.UserID, role, AssignmentInput{
			UserID:       created.UserID,
			RoleID:       created.RoleID,
			DepartmentID: created.DepartmentID,
			StartTime:    created.StartTime,
			EndTime:      created.EndTime,
			Reason:       created.Reason,
		})
		if err != nil {
			return err
		}
		decided, err = tx.DecideRoleRequest(ctx, created.ID, policy.RequestApproved, requester.UserID, s.now(), assignment.ID)
		if err != nil {
			return err
		}
		ev := s.event(ctx, requester.UserID, audit.EntityRoleRequest, decided.ID, audit.ActionGranted, "approval not required")
		ev.SubjectUserID = decided.UserID
		ev.Role = role.Codename
		ev.After = map[string]any{"status": decided.Status, "assignment_id": assignment.ID}
		return tx.Recorder().Record(ctx, ev)
	})
	return decided, err
}

func (s *Service) authorizeDecision(ctx context.Context, approver shared.Principal, req policy.RoleRequest) error {
	if !approver.Authenticated {
		return httpx.ErrUnauthorized
	}
	allowed, err := s.resolver.Decide(ctx, approver, Check{
		Codename:     shared.PermAssignRole,
		ResourceType: string(policy.ResourceRole),
		ResourceID:   formatID(req.RoleID),
		DepartmentID: req.DepartmentID,
	})
	if err != nil {
		return err
	}
	if !allowed {
		return fmt.Errorf("%w: user %d", ErrApproverForbidden, approver.UserID)
	}
	return nil
}

// ApproveRoleRequest assigns the requested role. The approver must hold
// assign_role in the request's department.
func (s *Service) ApproveRoleRequest(ctx context.Context, approver shared.Principal, requestID int64, reason string) (policy.RoleRequest, error) {
	req, err := s.store.GetRoleRequest(ctx, requestID)
	if err != nil {
		return policy.RoleRequest{}, err
	}
	if req.Status != policy.RequestPending {
		return policy.RoleRequest{}, fmt.Errorf("%w: request already %s", policy.ErrInactive, req.Status)
	}
	if err := s.authorizeDecision(ctx, approver, req); err != nil {
		return policy.RoleRequest{}, err
	}
	role, err := s.store.GetRole(ctx, req.RoleID)
	if err != nil {
		return policy.RoleRequest{}, err
	}
	var decided policy.RoleRequest
	err = s.mutateUser(ctx, req.UserID, func(ctx context.Context, tx policy.Tx) error {
		assignment, err := s.assignTx(ctx, tx, approver.UserID, role, AssignmentInput{
			UserID:       req.UserID,
			RoleID:       req.RoleID,
			DepartmentID: req.DepartmentID,
			StartTime:    req.StartTime,
			EndTime:      clampEnd(role, req.StartTime, req.EndTime),
			Reason:       req.Reason,
		})
		if err != nil {
			return err
		}
		decided, err = tx.DecideRoleRequest(ctx, req.ID, policy.RequestApproved, approver.UserID, s.now(), assignment.ID)
		if err != nil {
			return err
		}
		ev := s.event(ctx, approver.UserID, audit.EntityRoleRequest, decided.ID, audit.ActionGranted, reason)
		ev.SubjectUserID = decided.UserID
		ev.Role = role.Codename
		ev.Before = map[string]any{"status": req.Status}
		ev.After = map[string]any{"status": decided.Status, "assignment_id": assignment.ID}
		return tx.Recorder().Record(ctx, ev)
	})
	return decided, err
}

// RejectRoleRequest closes a pending request without assigning anything.
func (s *Service) RejectRoleRequest(ctx context.Context, approver shared.Principal, requestID int64, reason string) (policy.RoleRequest, error) {
	req, err := s.store.GetRoleRequest(ctx, requestID)
	if err != nil {
		return policy.RoleRequest{}, err
	}
	if req.Status != policy.RequestPending {
		return policy.RoleRequest{}, fmt.Errorf("%w: request already %s", policy.ErrInactive, req.Status)
	}
	if err := s.authorizeDecision(ctx, approver, req); err != nil {
		return policy.RoleRequest{}, err
	}
	var decided policy.RoleRequest
	err = s.store.WithTx(ctx, func(ctx context.Context, tx policy.Tx) error {
		var err error
		decided, err = tx.DecideRoleRequest(ctx, req.ID, policy.RequestRejected, approver.UserID, s.now(), 0)
		if err != nil {
			return err
		}
		ev := s.event(ctx, approver.UserID, audit.EntityRoleRequest, decided.ID, audit.ActionRevoked, reason)
		ev.SubjectUserID = decided.UserID
		ev.Before = map[string]any{"status": req.Status}
		ev.After = map[string]any{"status": decided.Status}
		return tx.Recorder().Record(ctx, ev)
	})
	return decided, err
}

// SeedResult counts what SeedDefaults created.
type SeedResult struct {
	Permissions int
	Roles       int
	Bindings    int
}

// SeedDefaults creates the built-in catalog. Existing permissions, roles and
// bindings are left untouched, so repeated runs are no-ops.
func (s *Service) SeedDefaults(ctx context.Context, actorID int64) (SeedResult, error) {
	permIDs := make(map[string]int64)
	var missingPerms []policy.PermissionTemplate
	for _, tpl := range policy.DefaultPermissions() {
		existing, err := s.store.PermissionByCodename(ctx, tpl.Codename)
		switch {
		case err == nil:
			permIDs[tpl.Codename] = existing.ID
		case errors.Is(err, policy.ErrNotFound):
			missingPerms = append(missingPerms, tpl)
		default:
			return SeedResult{}, err
		}
	}
	roleIDs := make(map[string]int64)
	bound := make(map[string]map[int64]bool)
	var missingRoles []policy.RoleTemplate
	for _, tpl := range policy.DefaultRoles() {
		existing, err := s.store.RoleByCodename(ctx, tpl.Codename)
		switch {
		case err == nil:
			roleIDs[tpl.Codename] = existing.ID
			bindings, err := s.store.Bindings(ctx, existing.ID)
			if err != nil {
				return SeedResult{}, err
			}
			bound[tpl.Codename] = make(map[int64]bool, len(bindings))
			for _, b := range bindings {
				bound[tpl.Codename][b.PermissionID] = true
			}
		case errors.Is(err, policy.ErrNotFound):
			missingRoles = append(missingRoles, tpl)
		default:
			return SeedResult{}, err
		}
	}

	var result SeedResult
	err := s.mutateAll(ctx, func(ctx context.Context, tx policy.Tx) error {
		rec := tx.Recorder()
		for _, tpl := range missingPerms {
			p, err := tx.CreatePermission(ctx, policy.Permission{
				Codename:     tpl.Codename,
				Name:         tpl.Name,
				Description:  tpl.Description,
				Action:       tpl.Action,
				ResourceType: tpl.ResourceType,
			})
			if err != nil {
				return fmt.Errorf("seed permission %s: %w", tpl.Codename, err)
			}
			permIDs[p.Codename] = p.ID
			ev := s.event(ctx, actorID, audit.EntityPermission, p.ID, audit.ActionModified, "default catalog")
			ev.Permission = p.Codename
			if err := rec.Record(ctx, ev); err != nil {
				return err
			}
			result.Permissions++
		}
		for _, tpl := range missingRoles {
			r, err := tx.CreateRole(ctx, policy.Role{
				Name:        tpl.Name(),
				Codename:    tpl.Codename,
				Description: tpl.Description,
				RoleType:    policy.RoleSystem,
			})
			if err != nil {
				return fmt.Errorf("seed role %s: %w", tpl.Codename, err)
			}
			roleIDs[r.Codename] = r.ID
			ev := s.event(ctx, actorID, audit.EntityRole, r.ID, audit.ActionModified, "default catalog")
			ev.Role = r.Codename
			if err := rec.Record(ctx, ev); err != nil {
				return err
			}
			result.Roles++
		}
		for _, tpl := range policy.DefaultRoles() {
			for _, codename := range tpl.Permissions {
				permID, ok := permIDs[codename]
				if !ok || bound[tpl.Codename][permID] {
					continue
				}
				b, err := tx.UpsertBinding(ctx, policy.RolePermission{RoleID: roleIDs[tpl.Codename], PermissionID: permID})
				if err != nil {
					return fmt.Errorf("seed binding %s/%s: %w", tpl.Codename, codename, err)
				}
				ev := s.event(ctx, actorID, audit.EntityRolePermission, b.ID, audit.ActionGranted, "default catalog")
				ev.Role = tpl.Codename
				ev.Permission = codename
				if err := rec.Record(ctx, ev); err != nil {
					return err
				}
				result.Bindings++
			}
		}
		return nil
	})
	if err != nil {
		return SeedResult{}, err
	}
	s.logger.Info("access catalog seeded",
		"permissions", result.Permissions, "roles", result.Roles, "bindings", result.Bindings)
	return result, nil
}
