package middleware

import (
	"fieldops/internal/models"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

const principalKey = "Principal"

// InjectPrincipal resolves the session's user id against the database and
// stores {id, role} on the context. The role is always the stored one, not
// whatever the cookie remembers.
func InjectPrincipal(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		sess := sessions.Default(c)

		if uid, ok := sessionUserID(sess.Get("user_id")); ok {
			var user models.User
			err := db.WithContext(c.Request.Context()).Select("id", "role").Take(&user, uid).Error
			if err == nil {
				c.Set(principalKey, models.Principal{ID: user.ID, Role: user.Role})
			}
		}

		c.Next()
	}
}

// CurrentPrincipal returns what InjectPrincipal stored.
func CurrentPrincipal(c *gin.Context) (models.Principal, bool) {
	v, ok := c.Get(principalKey)
	if !ok {
		return models.Principal{}, false
	}
	p, ok := v.(models.Principal)
	return p, ok
}

// cookie store кодирует через gob: uint приходит как uint
func sessionUserID(v any) (uint, bool) {
	switch id := v.(type) {
	case uint:
		return id, id > 0
	case int:
		return uint(id), id > 0
	case int64:
		return uint(id), id > 0
	}
	return 0, false
}
