// Package perms computes effective permissions from role bitfields and
// channel overwrites. Pure functions; no cache access.
package perms

import "github.com/guildvault/guildvault/internal/types"

// GuildPermissions ORs the permission bitfields of the held roles plus
// the @everyone role, which every member holds implicitly and whose id
// is the guild id. Administrators and the guild owner get every bit.
func GuildPermissions(roleIDs []types.Snowflake, rolePerms map[types.Snowflake]types.Permissions, guildID, ownerID, accountID types.Snowflake) types.Permissions {
	if accountID == ownerID {
		return types.PermAll
	}
	p := rolePerms[guildID]
	for _, id := range roleIDs {
		p |= rolePerms[id]
	}
	if p.Has(types.PermAdministrator) {
		return types.PermAll
	}
	return p
}

// ChannelPermissions applies channel overwrites to a guild-level base in
// the platform's documented order: the @everyone overwrite first, then
// all role overwrites (deny mask, then allow mask, each ORed across the
// held roles), then the member overwrite. Administrators bypass
// overwrites entirely.
func ChannelPermissions(base types.Permissions, guildID, accountID types.Snowflake, roleIDs []types.Snowflake, overwrites map[types.Snowflake]types.Overwrite) types.Permissions {
	if base.Has(types.PermAdministrator) {
		return types.PermAll
	}
	p := base

	// The @everyone principal id is the guild id.
	if ow, ok := overwrites[guildID]; ok {
		p &^= ow.Deny
		p |= ow.Allow
	}

	var allow, deny types.Permissions
	for _, id := range roleIDs {
		if ow, ok := overwrites[id]; ok && ow.Type == types.OverwriteRole {
			deny |= ow.Deny
			allow |= ow.Allow
		}
	}
	p &^= deny
	p |= allow

	if ow, ok := overwrites[accountID]; ok && ow.Type == types.OverwriteMember {
		p &^= ow.Deny
		p |= ow.Allow
	}
	return p
}
