package storage

import "path"

// Key layout of the desired state:
//
//	/alb/<alb>/listeners/<listener>/{port,protocol,certificate_name}
//	/alb/<alb>/listeners/<listener>/rules/<rule>/config
//	/alb/<alb>/listener_groups/<group>/{domains,listeners,certificate_name,certbot_managed}
//	/alb/<alb>/certbot/<group>/{enabled,ready,certificate_name,domains,target}
//	/target_group/<tg>/{name,protocol,healthcheck}
//	/target_group/<tg>/targets/<target>
//	/certs/<name>/{email,data,modified,domains,is_valid}

// ListenersDir returns the directory holding all listeners of an ALB
func ListenersDir(albID string) string {
	return path.Join("/alb", albID, "listeners")
}

// ListenerKey returns the key of a listener attribute
func ListenerKey(albID, listenerID, attr string) string {
	return path.Join(ListenersDir(albID), listenerID, attr)
}

// RulesDir returns the directory holding the rules of a listener
func RulesDir(albID, listenerID string) string {
	return path.Join(ListenersDir(albID), listenerID, "rules")
}

// RuleConfigKey returns the JSON config key of a rule
func RuleConfigKey(albID, listenerID, ruleID string) string {
	return path.Join(RulesDir(albID, listenerID), ruleID, "config")
}

// ListenerGroupsDir returns the directory holding all listener groups of an ALB
func ListenerGroupsDir(albID string) string {
	return path.Join("/alb", albID, "listener_groups")
}

// ListenerGroupKey returns the key of a listener group attribute
func ListenerGroupKey(albID, groupID, attr string) string {
	return path.Join(ListenerGroupsDir(albID), groupID, attr)
}

// CertbotDir returns the registration directory of a listener group's certbot
func CertbotDir(albID, groupID string) string {
	return path.Join("/alb", albID, "certbot", groupID)
}

// CertbotKey returns the key of a certbot registration attribute
func CertbotKey(albID, groupID, attr string) string {
	return path.Join(CertbotDir(albID, groupID), attr)
}

// TargetGroupDir returns the directory of a target group
func TargetGroupDir(tgID string) string {
	return path.Join("/target_group", tgID)
}

// TargetGroupKey returns the key of a target group attribute
func TargetGroupKey(tgID, attr string) string {
	return path.Join(TargetGroupDir(tgID), attr)
}

// TargetsDir returns the directory holding the targets of a target group
func TargetsDir(tgID string) string {
	return path.Join(TargetGroupDir(tgID), "targets")
}

// CertificateDir returns the directory of a stored certificate
func CertificateDir(name string) string {
	return path.Join("/certs", name)
}

// CertificateKey returns the key of a certificate attribute
func CertificateKey(name, attr string) string {
	return path.Join(CertificateDir(name), attr)
}
