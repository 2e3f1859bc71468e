// Copyright 2026 CasareRPA Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package auth

// Permission 权限
type Permission string

const (
	PermissionJobView        Permission = "job:view"
	PermissionJobSubmit      Permission = "job:submit"
	PermissionJobCancel      Permission = "job:cancel"
	PermissionScheduleManage Permission = "schedule:manage"
	PermissionRobotView      Permission = "robot:view"
	PermissionRobotManage    Permission = "robot:manage" // drain/resume
	PermissionRobotKeys      Permission = "robot:keys"   // 签发/吊销 robot token
	PermissionDLQView        Permission = "dlq:view"
	PermissionAuditView      Permission = "audit:view"
)

// Role 角色。roles 随凭证下发，这里只做权限映射。
type Role string

const (
	RoleAdmin    Role = "admin"    // 全部权限
	RoleOperator Role = "operator" // 提交/取消/排程/drain，但不能发 key
	RoleUser     Role = "user"     // 提交 + 查看自己能看到的
	RoleViewer   Role = "viewer"   // 只读
	RoleRobot    Role = "robot"    // worker 会话专用，不适用 REST 权限
)

// RolePermissions 角色与权限映射
var RolePermissions = map[Role][]Permission{
	RoleAdmin: {
		PermissionJobView,
		PermissionJobSubmit,
		PermissionJobCancel,
		PermissionScheduleManage,
		PermissionRobotView,
		PermissionRobotManage,
		PermissionRobotKeys,
		PermissionDLQView,
		PermissionAuditView,
	},
	RoleOperator: {
		PermissionJobView,
		PermissionJobSubmit,
		PermissionJobCancel,
		PermissionScheduleManage,
		PermissionRobotView,
		PermissionRobotManage,
		PermissionDLQView,
		PermissionAuditView,
	},
	RoleUser: {
		PermissionJobView,
		PermissionJobSubmit,
		PermissionJobCancel,
		PermissionRobotView,
	},
	RoleViewer: {
		PermissionJobView,
		PermissionRobotView,
		PermissionAuditView,
	},
}

// HasPermission 检查角色是否包含指定权限
func HasPermission(role Role, permission Permission) bool {
	permissions, ok := RolePermissions[role]
	if !ok {
		return false
	}

	for _, p := range permissions {
		if p == permission {
			return true
		}
	}
	return false
}

// AnyHasPermission 任一角色有权限即放行
func AnyHasPermission(roles []Role, permission Permission) bool {
	for _, r := range roles {
		if HasPermission(r, permission) {
			return true
		}
	}
	return false
}
