package auth

import "github.com/gin-gonic/gin"

const (
	userKey    = "auth_user"
	isAdminKey = "is_admin"
)

func SetUser(c *gin.Context, user *User) {
	c.Set(userKey, user)
}

// CurrentUser returns the user stored by the auth middleware, or nil.
func CurrentUser(c *gin.Context) *User {
	v, ok := c.Get(userKey)
	if !ok {
		return nil
	}
	user, _ := v.(*User)
	return user
}

func SetAdmin(c *gin.Context, isAdmin bool) {
	c.Set(isAdminKey, isAdmin)
}

func IsAdmin(c *gin.Context) bool {
	return c.GetBool(isAdminKey)
}
