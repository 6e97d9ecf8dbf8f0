package model

// Credential is a username/password pair handed to checks that log in somewhere
type Credential struct {
	Username string `json:"username" yaml:"username" bson:"username"`
	Password string `json:"password" yaml:"password" bson:"password"`
	Exists   bool   `json:"existence" yaml:"existence" bson:"existence"`
}

// Empty reports whether the control plane returned nothing usable
func (c *Credential) Empty() bool {
	return c.Username == "" && c.Password == ""
}
